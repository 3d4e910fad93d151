package vm

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"wold/types"
)

// programWireVersion is bumped whenever the on-wire shape of wireProgram (or
// any type it embeds) changes incompatibly. Encode always writes the
// current version; Decode rejects anything newer than it understands.
const programWireVersion = 1

// wireProgram is the msgpack-friendly mirror of Program. Constants hold
// types.Value, an interface, so each constant is encoded as a tagged
// wireValue rather than relied on for reflection-based interface decoding.
type wireProgram struct {
	Version   int               `msgpack:"version"`
	Code      []byte            `msgpack:"code"`
	Constants []wireValue       `msgpack:"constants"`
	VarNames  []string          `msgpack:"var_names"`
	LineInfo  []LineEntry       `msgpack:"line_info"`
	NumLocals int               `msgpack:"num_locals"`
	Source    []string          `msgpack:"source,omitempty"`
	Lambdas   []wireLambdaTemplate `msgpack:"lambdas,omitempty"`
}

type wireLambdaTemplate struct {
	Program  wireProgram      `msgpack:"program"`
	Params   []wireLambdaParam `msgpack:"params"`
	Captured []string         `msgpack:"captured,omitempty"`
	SelfName string           `msgpack:"self_name,omitempty"`
}

type wireLambdaParam struct {
	Name string `msgpack:"name"`
	Kind int    `msgpack:"kind"`
}

// wireValue is a tagged union over every types.Value concrete type that can
// legitimately appear in a Program's constant pool. Lambda and flyweight
// values are runtime-only (built by OP_MAKE_LAMBDA / waif construction, never
// placed in Constants) and are rejected by Encode.
type wireValue struct {
	Tag       types.TypeCode `msgpack:"tag"`
	Int       int64          `msgpack:"int,omitempty"`
	Float     float64        `msgpack:"float,omitempty"`
	Str       string         `msgpack:"str,omitempty"`
	Bytes     []byte         `msgpack:"bytes,omitempty"`
	Anonymous bool           `msgpack:"anonymous,omitempty"` // TYPE_OBJ only
	Elements  []wireValue    `msgpack:"elements,omitempty"`
	Pairs     []wireMapPair  `msgpack:"pairs,omitempty"`
}

type wireMapPair struct {
	Key wireValue `msgpack:"key"`
	Val wireValue `msgpack:"val"`
}

// Encode serializes p to a versioned msgpack blob.
func (p *Program) Encode() ([]byte, error) {
	wp, err := encodeProgram(p)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(wp)
}

// DecodeProgram deserializes a blob produced by Program.Encode.
func DecodeProgram(data []byte) (*Program, error) {
	var wp wireProgram
	if err := msgpack.Unmarshal(data, &wp); err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}
	if wp.Version > programWireVersion {
		return nil, fmt.Errorf("decode program: wire version %d newer than supported %d", wp.Version, programWireVersion)
	}
	return decodeProgram(&wp)
}

func encodeProgram(p *Program) (*wireProgram, error) {
	constants := make([]wireValue, len(p.Constants))
	for i, v := range p.Constants {
		wv, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		constants[i] = wv
	}

	lambdas := make([]wireLambdaTemplate, len(p.Lambdas))
	for i, tmpl := range p.Lambdas {
		sub, err := encodeProgram(tmpl.Program)
		if err != nil {
			return nil, fmt.Errorf("lambda %d body: %w", i, err)
		}
		params := make([]wireLambdaParam, len(tmpl.Params))
		for j, pr := range tmpl.Params {
			params[j] = wireLambdaParam{Name: pr.Name, Kind: int(pr.Kind)}
		}
		lambdas[i] = wireLambdaTemplate{
			Program:  *sub,
			Params:   params,
			Captured: append([]string(nil), tmpl.Captured...),
			SelfName: tmpl.SelfName,
		}
	}

	return &wireProgram{
		Version:   programWireVersion,
		Code:      append([]byte(nil), p.Code...),
		Constants: constants,
		VarNames:  append([]string(nil), p.VarNames...),
		LineInfo:  append([]LineEntry(nil), p.LineInfo...),
		NumLocals: p.NumLocals,
		Source:    append([]string(nil), p.Source...),
		Lambdas:   lambdas,
	}, nil
}

func decodeProgram(wp *wireProgram) (*Program, error) {
	constants := make([]types.Value, len(wp.Constants))
	for i, wv := range wp.Constants {
		v, err := decodeValue(wv)
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		constants[i] = v
	}

	lambdas := make([]*LambdaTemplate, len(wp.Lambdas))
	for i, wl := range wp.Lambdas {
		sub, err := decodeProgram(&wl.Program)
		if err != nil {
			return nil, fmt.Errorf("lambda %d body: %w", i, err)
		}
		params := make([]types.LambdaParam, len(wl.Params))
		for j, wparam := range wl.Params {
			params[j] = types.LambdaParam{Name: wparam.Name, Kind: types.ScatterKind(wparam.Kind)}
		}
		lambdas[i] = &LambdaTemplate{
			Program:  sub,
			Params:   params,
			Captured: append([]string(nil), wl.Captured...),
			SelfName: wl.SelfName,
		}
	}

	return &Program{
		Code:      wp.Code,
		Constants: constants,
		VarNames:  wp.VarNames,
		LineInfo:  wp.LineInfo,
		NumLocals: wp.NumLocals,
		Source:    wp.Source,
		Lambdas:   lambdas,
	}, nil
}

func encodeValue(v types.Value) (wireValue, error) {
	switch val := v.(type) {
	case types.IntValue:
		return wireValue{Tag: types.TYPE_INT, Int: val.Val}, nil
	case types.FloatValue:
		return wireValue{Tag: types.TYPE_FLOAT, Float: val.Val}, nil
	case types.StrValue:
		return wireValue{Tag: types.TYPE_STR, Str: val.Value()}, nil
	case types.BoolValue:
		b := int64(0)
		if val.Val {
			b = 1
		}
		return wireValue{Tag: types.TYPE_BOOL, Int: b}, nil
	case types.ObjValue:
		return wireValue{Tag: types.TYPE_OBJ, Int: int64(val.ID()), Anonymous: val.IsAnonymous()}, nil
	case types.ErrValue:
		return wireValue{Tag: types.TYPE_ERR, Int: int64(val.Code())}, nil
	case types.SymbolValue:
		return wireValue{Tag: types.TYPE_SYMBOL, Str: val.Name()}, nil
	case types.BinaryValue:
		return wireValue{Tag: types.TYPE_BINARY, Bytes: val.Bytes()}, nil
	case types.ListValue:
		elems := val.Elements()
		out := make([]wireValue, len(elems))
		for i, e := range elems {
			wv, err := encodeValue(e)
			if err != nil {
				return wireValue{}, err
			}
			out[i] = wv
		}
		return wireValue{Tag: types.TYPE_LIST, Elements: out}, nil
	case types.MapValue:
		pairs := val.Pairs()
		out := make([]wireMapPair, len(pairs))
		for i, kv := range pairs {
			wk, err := encodeValue(kv[0])
			if err != nil {
				return wireValue{}, err
			}
			wval, err := encodeValue(kv[1])
			if err != nil {
				return wireValue{}, err
			}
			out[i] = wireMapPair{Key: wk, Val: wval}
		}
		return wireValue{Tag: types.TYPE_MAP, Pairs: out}, nil
	default:
		return wireValue{}, fmt.Errorf("value type %T cannot appear in a constant pool", v)
	}
}

func decodeValue(wv wireValue) (types.Value, error) {
	switch wv.Tag {
	case types.TYPE_INT:
		return types.IntValue{Val: wv.Int}, nil
	case types.TYPE_FLOAT:
		return types.FloatValue{Val: wv.Float}, nil
	case types.TYPE_STR:
		return types.NewStr(wv.Str), nil
	case types.TYPE_BOOL:
		return types.BoolValue{Val: wv.Int != 0}, nil
	case types.TYPE_OBJ:
		if wv.Anonymous {
			return types.NewAnon(types.ObjID(wv.Int)), nil
		}
		return types.NewObj(types.ObjID(wv.Int)), nil
	case types.TYPE_ERR:
		return types.NewErr(types.ErrorCode(wv.Int)), nil
	case types.TYPE_SYMBOL:
		return types.NewSymbol(wv.Str), nil
	case types.TYPE_BINARY:
		return types.NewBinaryCopy(wv.Bytes), nil
	case types.TYPE_LIST:
		elems := make([]types.Value, len(wv.Elements))
		for i, e := range wv.Elements {
			v, err := decodeValue(e)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return types.NewList(elems), nil
	case types.TYPE_MAP:
		pairs := make([][2]types.Value, len(wv.Pairs))
		for i, p := range wv.Pairs {
			k, err := decodeValue(p.Key)
			if err != nil {
				return nil, err
			}
			val, err := decodeValue(p.Val)
			if err != nil {
				return nil, err
			}
			pairs[i] = [2]types.Value{k, val}
		}
		return types.NewMap(pairs), nil
	default:
		return nil, fmt.Errorf("unknown wire value tag %v", wv.Tag)
	}
}
