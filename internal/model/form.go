package model

import "strings"

// FieldKind selects how a multipart field value is typed when coerced.
type FieldKind int

const (
	// KindString passes the value through as an opaque string.
	KindString FieldKind = iota
	// KindNumber parses the value as a JSON number.
	KindNumber
	// KindList splits the value on commas into a trimmed list of strings.
	KindList
)

// Field is a single named form field. A field submitted with bracket
// notation (name[key]) is nested; otherwise it holds scalar values.
type Field struct {
	Name   string
	Values []string

	Keys   []string // nested keys in arrival order
	Nested map[string]string
}

// IsNested reports whether the field carries keyed sub-values.
func (f *Field) IsNested() bool {
	return len(f.Keys) > 0
}

// Value returns the first scalar value, or "" when there is none.
func (f *Field) Value() string {
	if len(f.Values) == 0 {
		return ""
	}
	return f.Values[0]
}

// FormFields is an ordered collection of form fields.
type FormFields struct {
	list  []*Field
	index map[string]*Field
}

// NewFormFields returns an empty collection.
func NewFormFields() *FormFields {
	return &FormFields{index: make(map[string]*Field)}
}

// Add records a raw form value. Names of the form "field[key]" are grouped
// under "field"; "field[]" appends a scalar value to "field".
func (fs *FormFields) Add(name, value string) {
	base, key, nested := splitBracket(name)
	f := fs.field(base)
	if !nested || key == "" {
		f.Values = append(f.Values, value)
		return
	}
	if f.Nested == nil {
		f.Nested = make(map[string]string)
	}
	if _, seen := f.Nested[key]; !seen {
		f.Keys = append(f.Keys, key)
	}
	f.Nested[key] = value
}

// Get returns the named field.
func (fs *FormFields) Get(name string) (*Field, bool) {
	f, ok := fs.index[name]
	return f, ok
}

// All returns the fields in the order they were first seen.
func (fs *FormFields) All() []*Field {
	return fs.list
}

// Len returns the number of distinct fields.
func (fs *FormFields) Len() int {
	return len(fs.list)
}

func (fs *FormFields) field(name string) *Field {
	if f, ok := fs.index[name]; ok {
		return f
	}
	f := &Field{Name: name}
	fs.index[name] = f
	fs.list = append(fs.list, f)
	return f
}

// splitBracket splits "name[key]" into ("name", "key", true). Anything that
// is not exactly one trailing bracket pair is returned unchanged.
func splitBracket(name string) (base, key string, nested bool) {
	open := strings.IndexByte(name, '[')
	if open <= 0 || !strings.HasSuffix(name, "]") {
		return name, "", false
	}
	key = name[open+1 : len(name)-1]
	if strings.ContainsAny(key, "[]") {
		return name, "", false
	}
	return name[:open], key, true
}
