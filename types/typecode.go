package types

// TypeCode represents MOO type values (from spec/types.md)
type TypeCode int

const (
	TYPE_INT       TypeCode = 0
	TYPE_OBJ       TypeCode = 1
	TYPE_STR       TypeCode = 2
	TYPE_ERR       TypeCode = 3
	TYPE_LIST      TypeCode = 4
	TYPE_ANON      TypeCode = 12
	TYPE_FLOAT     TypeCode = 9
	TYPE_MAP       TypeCode = 10
	TYPE_WAIF      TypeCode = 13 // flyweight values (FlyweightValue) report this type code
	TYPE_BOOL      TypeCode = 14
	TYPE_SYMBOL    TypeCode = 15
	TYPE_BINARY    TypeCode = 16
	TYPE_LAMBDA    TypeCode = 18
)

// String returns the string representation of the type code
func (t TypeCode) String() string {
	switch t {
	case TYPE_INT:
		return "INT"
	case TYPE_OBJ:
		return "OBJ"
	case TYPE_STR:
		return "STR"
	case TYPE_ERR:
		return "ERR"
	case TYPE_LIST:
		return "LIST"
	case TYPE_FLOAT:
		return "FLOAT"
	case TYPE_MAP:
		return "MAP"
	case TYPE_WAIF:
		return "WAIF"
	case TYPE_BOOL:
		return "BOOL"
	case TYPE_ANON:
		return "ANON"
	case TYPE_SYMBOL:
		return "SYMBOL"
	case TYPE_BINARY:
		return "BINARY"
	case TYPE_LAMBDA:
		return "LAMBDA"
	default:
		return "UNKNOWN"
	}
}
