package vm

import (
	"bytes"
	"testing"

	"wold/types"
)

func TestProgramEncodeDecodeRoundtrip(t *testing.T) {
	prog := &Program{
		Code: []byte{byte(OP_PUSH), 1, 0, byte(OP_RETURN)},
		Constants: []types.Value{
			types.IntValue{Val: 42},
			types.FloatValue{Val: 3.25},
			types.NewStr("hello"),
			types.BoolValue{Val: true},
			types.NewObj(types.ObjID(7)),
			types.NewAnon(types.ObjID(99)),
			types.NewErr(types.E_TYPE),
			types.NewSymbol("frob"),
			types.NewBinaryCopy([]byte{0x01, 0x02, 0xFF}),
			types.NewList([]types.Value{
				types.IntValue{Val: 1},
				types.NewStr("nested"),
				types.NewList([]types.Value{types.IntValue{Val: 2}}),
			}),
			types.NewMap([][2]types.Value{
				{types.NewStr("a"), types.IntValue{Val: 1}},
				{types.NewStr("b"), types.NewList([]types.Value{types.IntValue{Val: 2}, types.IntValue{Val: 3}})},
			}),
		},
		VarNames:  []string{"this", "verb", "x"},
		LineInfo:  []LineEntry{{StartIP: 0, Line: 1}, {StartIP: 3, Line: 2}},
		NumLocals: 3,
		Source:    []string{"x = 1;", "return x;"},
	}

	data, err := prog.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := DecodeProgram(data)
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}

	if !bytes.Equal(decoded.Code, prog.Code) {
		t.Errorf("Code mismatch: got %v, want %v", decoded.Code, prog.Code)
	}
	if len(decoded.Constants) != len(prog.Constants) {
		t.Fatalf("Constants length mismatch: got %d, want %d", len(decoded.Constants), len(prog.Constants))
	}
	for i, want := range prog.Constants {
		got := decoded.Constants[i]
		if !got.Equal(want) {
			t.Errorf("constant %d mismatch: got %v, want %v", i, got, want)
		}
	}
	if len(decoded.VarNames) != len(prog.VarNames) {
		t.Fatalf("VarNames length mismatch: got %v, want %v", decoded.VarNames, prog.VarNames)
	}
	for i, name := range prog.VarNames {
		if decoded.VarNames[i] != name {
			t.Errorf("VarNames[%d] = %q, want %q", i, decoded.VarNames[i], name)
		}
	}
	if decoded.NumLocals != prog.NumLocals {
		t.Errorf("NumLocals = %d, want %d", decoded.NumLocals, prog.NumLocals)
	}
	if len(decoded.LineInfo) != len(prog.LineInfo) {
		t.Fatalf("LineInfo length mismatch")
	}
	for i, entry := range prog.LineInfo {
		if decoded.LineInfo[i] != entry {
			t.Errorf("LineInfo[%d] = %+v, want %+v", i, decoded.LineInfo[i], entry)
		}
	}
	if len(decoded.Source) != len(prog.Source) {
		t.Fatalf("Source length mismatch")
	}
	for i, line := range prog.Source {
		if decoded.Source[i] != line {
			t.Errorf("Source[%d] = %q, want %q", i, decoded.Source[i], line)
		}
	}
}

// TestProgramEncodeDecodeNestedLambda verifies that a Program referencing a
// lambda template (as OP_MAKE_LAMBDA does) survives a roundtrip, including
// the nested sub-program.
func TestProgramEncodeDecodeNestedLambda(t *testing.T) {
	inner := &Program{
		Code:      []byte{byte(OP_RETURN_NONE)},
		Constants: []types.Value{types.NewStr("inner")},
		VarNames:  []string{"__lambda_args__", "n"},
		NumLocals: 2,
	}

	outer := &Program{
		Code:      []byte{byte(OP_MAKE_LAMBDA), 0, 1, byte(OP_RETURN)},
		Constants: []types.Value{types.IntValue{Val: 1}},
		VarNames:  []string{"captured"},
		NumLocals: 1,
		Lambdas: []*LambdaTemplate{
			{
				Program:  inner,
				Params:   []types.LambdaParam{{Name: "n", Kind: types.ScatterRequired}},
				Captured: []string{"captured"},
				SelfName: "",
			},
		},
	}

	data, err := outer.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := DecodeProgram(data)
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}

	if len(decoded.Lambdas) != 1 {
		t.Fatalf("expected 1 lambda template, got %d", len(decoded.Lambdas))
	}
	tmpl := decoded.Lambdas[0]
	if len(tmpl.Params) != 1 || tmpl.Params[0].Name != "n" || tmpl.Params[0].Kind != types.ScatterRequired {
		t.Errorf("lambda params mismatch: %+v", tmpl.Params)
	}
	if len(tmpl.Captured) != 1 || tmpl.Captured[0] != "captured" {
		t.Errorf("lambda captured mismatch: %+v", tmpl.Captured)
	}
	if tmpl.Program == nil || len(tmpl.Program.VarNames) != 2 || tmpl.Program.VarNames[0] != "__lambda_args__" {
		t.Fatalf("lambda sub-program not preserved: %+v", tmpl.Program)
	}
	if len(tmpl.Program.Constants) != 1 || !tmpl.Program.Constants[0].Equal(types.NewStr("inner")) {
		t.Errorf("lambda sub-program constants mismatch: %+v", tmpl.Program.Constants)
	}
}

func TestProgramEncodeRejectsLambdaConstant(t *testing.T) {
	lambda := types.NewLambda(nil, &Program{}, nil, "")
	prog := &Program{Constants: []types.Value{lambda}}
	if _, err := prog.Encode(); err == nil {
		t.Fatal("expected Encode to reject a lambda value in the constant pool")
	}
}
