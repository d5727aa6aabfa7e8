package types

// FieldType is the declared semantic type of a document field.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date"
	FieldBool   FieldType = "bool"
	FieldUser   FieldType = "user"
	FieldRole   FieldType = "role"
	FieldList   FieldType = "list"
)

// TypedValue is a document field value together with its declared type.
type TypedValue struct {
	Type  FieldType   `json:"type" yaml:"type"`
	Value interface{} `json:"value" yaml:"value"`
}

// IsEmpty reports whether the value carries nothing.
func (v TypedValue) IsEmpty() bool {
	switch val := v.Value.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []string:
		return len(val) == 0
	case []interface{}:
		return len(val) == 0
	}
	return false
}
