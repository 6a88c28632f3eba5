package sshtrace

import (
	"bytes"
	"fmt"
	"math/bits"
	"reflect"
	"strconv"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
)

// traceEventField is a field of the event which is fetched
// by the kernel and printed into the trace pipe.
type traceEventField interface {
	// format returns the fetch argument of the field, in
	// the form of <name>=<fetch>:<type>.
	format() string

	// fill attempts to parse the input string and fill
	// information into the struct.
	fill(input []byte, data unsafe.Pointer) (int, error)
}

// bytesFault is printed when the kernel cannot read the
// memory of the fetch argument.
var bytesFault = []byte("(fault)")

// bytesHex is the prefix of hexadecimal number.
var bytesHex = []byte("0x")

// traceFillInteger parses the content of the number field
// and places it at the specified address.
//
// A faulted field leaves the memory untouched, so that the
// field stays zero as if the memory was unset.
func traceFillInteger(
	addr unsafe.Pointer, kind reflect.Kind,
	bigEndian bool, number []byte,
) (step int, err error) {
	if bytes.HasPrefix(number, bytesFault) {
		return len(bytesFault), nil
	}

	base := 10
	offset := 0
	negative := false
	if bytes.HasPrefix(number, bytesHex) {
		base = 16
		offset = len(bytesHex)
	} else if len(number) > 0 && number[0] == '-' {
		offset = 1
		negative = true
	}

	// Seek for the next space or end of line.
	step = offset
	for step < len(number) &&
		number[step] != ' ' && number[step] != '\n' {
		step++
	}
	var v uint64
	v, err = strconv.ParseUint(
		string(number[offset:step]), base, 64)
	if err != nil {
		return
	}
	if negative {
		v = uint64(-int64(v))
	}

	// The kernel prints the value in host order, fields
	// marked big endian are swapped back.
	if bigEndian {
		switch kind {
		case reflect.Uint16, reflect.Int16:
			v = uint64(bits.ReverseBytes16(uint16(v)))
		case reflect.Uint32, reflect.Int32:
			v = uint64(bits.ReverseBytes32(uint32(v)))
		case reflect.Uint64, reflect.Int64:
			v = bits.ReverseBytes64(v)
		}
	}

	switch kind {
	case reflect.Uint8:
		*(*uint8)(addr) = uint8(v)
	case reflect.Int8:
		*(*int8)(addr) = int8(v)
	case reflect.Uint16:
		*(*uint16)(addr) = uint16(v)
	case reflect.Int16:
		*(*int16)(addr) = int16(v)
	case reflect.Uint32:
		*(*uint32)(addr) = uint32(v)
	case reflect.Int32:
		*(*int32)(addr) = int32(v)
	case reflect.Uint64:
		*(*uint64)(addr) = v
	case reflect.Int64:
		*(*int64)(addr) = int64(v)
	}
	return
}

// traceIntegerField is a field corresponding to integer.
type traceIntegerField struct {
	name      string
	offset    uintptr
	fetch     string
	kind      reflect.Kind
	bigEndian bool
}

// mapIntegerName is the map from the kind to the type.
var mapIntegerName = map[reflect.Kind]string{
	reflect.Uint8:  "u8",
	reflect.Int8:   "s8",
	reflect.Uint16: "u16",
	reflect.Int16:  "s16",
	reflect.Uint32: "u32",
	reflect.Int32:  "s32",
	reflect.Uint64: "u64",
	reflect.Int64:  "s64",
}

// format returns the format for the field.
func (f traceIntegerField) format() string {
	return fmt.Sprintf("%s=%s:%s",
		f.name, f.fetch, mapIntegerName[f.kind])
}

// fill parses integer data and moves forward.
func (f traceIntegerField) fill(
	input []byte, data unsafe.Pointer,
) (forward int, err error) {
	bytesName := []byte(f.name + "=")
	if !bytes.HasPrefix(input, bytesName) {
		return 0, errors.Errorf(
			"expect integer field start token %q", f.name)
	}
	forward, err = traceFillInteger(unsafe.Add(data, f.offset),
		f.kind, f.bigEndian, input[len(bytesName):])
	forward += len(bytesName)
	return
}

// traceEventDescriptor describes the way to process event.
//
// The first field will always be untagged and must be
// either ProbeEvent or ReturnEvent, which determines how
// the events will be registered.
type traceEventDescriptor struct {
	typ    reflect.Type
	meta   reflect.Type
	fields []traceEventField

	initialCondition string
}

// format returns the event field format concatenated.
func (efd traceEventDescriptor) format() string {
	var formats []string
	for _, field := range efd.fields {
		formats = append(formats, field.format())
	}
	return strings.Join(formats, " ")
}

// traceEventCompiler holds the state while compiling.
type traceEventCompiler struct {
	fields []traceEventField
	conds  []string
}

// compileStruct compiles the fields of a struct located at
// base, whose fields are named after prefix.
//
// The tag of a field is "<fetch>,<condition>,<modifiers>".
// Inside the tag, "{0}" is replaced by the prefix and
// "{N}" by the N-th argument of the enclosing struct tag,
// so that a nested struct could be fetched relatively.
func (c *traceEventCompiler) compileStruct(
	typ reflect.Type, base uintptr, prefix string,
	args []string, start int,
) error {
	for i := start; i < typ.NumField(); i++ {
		field := typ.Field(i)
		offset := base + field.Offset
		tag := strings.ReplaceAll(
			field.Tag.Get("tracing"), "{0}", prefix)
		for j, value := range args {
			tag = strings.ReplaceAll(tag,
				fmt.Sprintf("{%d}", j+1), value)
		}

		if field.Type == typeCondition {
			if tag != "" {
				c.conds = append(c.conds, tag)
			}
			continue
		}
		parts := strings.Split(tag, ",")
		if field.Type.Kind() == reflect.Struct {
			if err := c.compileStruct(field.Type, offset,
				prefix+field.Name+"_", parts, 0); err != nil {
				return err
			}
			continue
		}
		if tag == "" {
			continue
		}
		if field.Anonymous {
			return errors.New("cannot embed non-struct field")
		}
		if len(parts) > 1 && parts[1] != "" {
			c.conds = append(c.conds, parts[1])
		}

		kind := field.Type.Kind()
		if _, ok := mapIntegerName[kind]; !ok {
			return errors.Errorf(
				"unacceptable kind %s of %q", kind, field.Name)
		}
		var bigEndian bool
		for _, modifier := range parts[min(2, len(parts)):] {
			switch modifier {
			case "":
			case "bigendian":
				bigEndian = true
			default:
				return errors.Errorf(
					"unknown modifier %q", modifier)
			}
		}
		c.fields = append(c.fields, &traceIntegerField{
			name:      prefix + field.Name,
			offset:    offset,
			fetch:     parts[0],
			kind:      kind,
			bigEndian: bigEndian,
		})
	}
	return nil
}

// compileTraceEvent parses the fields and converts the
// event specified by type into the event descriptor.
func compileTraceEvent(
	typ reflect.Type,
) (*traceEventDescriptor, error) {
	if kind := typ.Kind(); kind != reflect.Struct {
		return nil, errors.Errorf("invalid kind %q", kind)
	}
	if typ.NumField() == 0 {
		return nil, errors.New("empty struct")
	}
	firstField := typ.Field(0)
	if !firstField.Anonymous {
		return nil, errors.New("first field must be anonymous")
	}
	switch firstField.Type {
	case typeProbeEvent, typeReturnEvent:
	default:
		return nil, errors.Errorf(
			"type %s cannot be first field", firstField.Type)
	}

	compiler := &traceEventCompiler{}
	if err := compiler.compileStruct(
		typ, 0, "", nil, 1); err != nil {
		return nil, err
	}
	result := &traceEventDescriptor{
		typ:    typ,
		meta:   firstField.Type,
		fields: compiler.fields,
	}
	switch len(compiler.conds) {
	case 0:
	case 1:
		result.initialCondition = compiler.conds[0]
	default:
		result.initialCondition = "(" + strings.Join(
			compiler.conds, ") && (") + ")"
	}
	return result, nil
}

// fill parses the given log and fills the content.
func (efd traceEventDescriptor) fill(
	data unsafe.Pointer, log []byte,
) (forward int, err error) {
	for i, field := range efd.fields {
		for forward < len(log) && log[forward] == ' ' {
			forward++
		}
		if forward >= len(log) || log[forward] == '\n' {
			return forward, errors.Errorf(
				"unexpected truncation in field #%d", i)
		}
		var current int
		current, err = field.fill(log[forward:], data)
		forward += current
		if err != nil {
			return
		}
	}
	return
}
