package dbus

import (
	"encoding/binary"
	"io"
	"reflect"
	"unicode"
)

// A decoder reads values that are encoded in the D-Bus wire format.
type decoder struct {
	in    io.Reader
	fds   []UnixFD
	order binary.ByteOrder
	pos   int
}

// newDecoder returns a new decoder that reads values from in, expected to
// be in the given byte order. fds is the out-of-band file descriptor table
// referenced by any UnixFDIndex values decoded from the stream.
func newDecoder(in io.Reader, order binary.ByteOrder, fds []UnixFD) *decoder {
	dec := new(decoder)
	dec.in = in
	dec.order = order
	dec.fds = fds
	return dec
}

// invalidTypeError signals that a Go value passed for decoding cannot hold
// a decoded D-Bus value (e.g. decoding into a non-pointer).
type invalidTypeError struct {
	Type reflect.Type
}

func (e invalidTypeError) Error() string {
	return "dbus: cannot decode into type " + e.Type.String()
}

// align aligns the input to the given boundary and panics on error.
func (dec *decoder) align(n int) {
	newpos := dec.pos
	if newpos%n != 0 {
		newpos += n - (newpos % n)
		empty := make([]byte, newpos-dec.pos)
		if _, err := io.ReadFull(dec.in, empty); err != nil {
			panic(err)
		}
		for _, b := range empty {
			if b != 0 {
				panic(FormatError("non-zero alignment padding"))
			}
		}
		dec.pos = newpos
	}
}

// binread calls binary.Read(dec.in, dec.order, v) and panics on read errors.
func (dec *decoder) binread(v interface{}) {
	if err := binary.Read(dec.in, dec.order, v); err != nil {
		panic(err)
	}
}

// Decode decodes a single value from the decoder and stores it in v. If v
// isn't a pointer, Decode panics. For the details of decoding, see the
// package-level documentation.
//
// The input is expected to be aligned as required by the D-Bus spec.
func (dec *decoder) Decode(v interface{}) (err error) {
	defer func() {
		if e, ok := recover().(error); ok {
			if _, ok := e.(invalidTypeError); ok {
				panic(e)
			}
			if e == io.EOF || e == io.ErrUnexpectedEOF {
				e = FormatError("input too short (unexpected EOF)")
			}
			err = e
		}
	}()
	dec.decode(reflect.ValueOf(v), 0)
	return nil
}

// DecodeMulti is a shorthand for decoding multiple values.
func (dec *decoder) DecodeMulti(vs ...interface{}) error {
	for _, v := range vs {
		if err := dec.Decode(v); err != nil {
			return err
		}
	}
	return nil
}

// decode decodes a single value and stores it in *v. depth holds the depth
// of the container nesting.
func (dec *decoder) decode(v reflect.Value, depth int) {
	if v.Kind() != reflect.Ptr {
		panic(invalidTypeError{v.Type()})
	}

	v = v.Elem()
	dec.align(alignment(v.Type()))
	switch v.Kind() {
	case reflect.Uint8:
		b := make([]byte, 1)
		if _, err := io.ReadFull(dec.in, b); err != nil {
			panic(err)
		}
		dec.pos++
		v.SetUint(uint64(b[0]))
	case reflect.Bool:
		var i uint32
		dec.decode(reflect.ValueOf(&i), depth)
		switch i {
		case 0:
			v.SetBool(false)
		case 1:
			v.SetBool(true)
		default:
			panic(FormatError("invalid value for boolean"))
		}
	case reflect.Int16:
		var i int16
		dec.binread(&i)
		dec.pos += 2
		v.SetInt(int64(i))
	case reflect.Int32:
		var i int32
		dec.binread(&i)
		dec.pos += 4
		if v.Type() == unixFDType {
			v.SetInt(i2fd(dec, uint32(i)))
		} else {
			v.SetInt(int64(i))
		}
	case reflect.Int64:
		var i int64
		dec.binread(&i)
		dec.pos += 8
		v.SetInt(i)
	case reflect.Uint16:
		var i uint16
		dec.binread(&i)
		dec.pos += 2
		v.SetUint(uint64(i))
	case reflect.Uint32:
		var i uint32
		dec.binread(&i)
		dec.pos += 4
		v.SetUint(uint64(i))
	case reflect.Uint64:
		var i uint64
		dec.binread(&i)
		dec.pos += 8
		v.SetUint(i)
	case reflect.Float64:
		var f float64
		dec.binread(&f)
		dec.pos += 8
		v.SetFloat(f)
	case reflect.String:
		var length uint32
		dec.decode(reflect.ValueOf(&length), depth)
		if length > maxArrayLength {
			panic(FormatError("string exceeds maximum length"))
		}
		b := make([]byte, int(length)+1)
		if _, err := io.ReadFull(dec.in, b); err != nil {
			panic(err)
		}
		dec.pos += int(length) + 1
		if b[len(b)-1] != 0 {
			panic(FormatError("string is not nul-terminated"))
		}
		s := string(b[:len(b)-1])
		if v.Type() == objectPathType && !ObjectPath(s).IsValid() {
			panic(FormatError("invalid object path"))
		}
		v.SetString(s)
	case reflect.Ptr:
		nv := reflect.New(v.Type().Elem())
		dec.decode(nv, depth)
		v.Set(nv)
	case reflect.Slice:
		var length uint32
		if depth >= maxContainerDepth {
			panic(FormatError("input exceeds container depth limit"))
		}
		dec.decode(reflect.ValueOf(&length), depth)
		if length > maxArrayLength {
			panic(FormatError("array exceeds maximum length"))
		}
		slice := reflect.MakeSlice(v.Type(), 0, 0)
		dec.align(alignment(v.Type().Elem()))
		spos := dec.pos
		for dec.pos < spos+int(length) {
			nv := reflect.New(v.Type().Elem())
			dec.decode(nv, depth+1)
			slice = reflect.Append(slice, nv.Elem())
		}
		v.Set(slice)
	case reflect.Struct:
		if depth >= maxContainerDepth {
			panic(FormatError("input exceeds container depth limit"))
		}
		switch t := v.Type(); t {
		case variantType:
			var variant Variant
			var sig Signature
			dec.decode(reflect.ValueOf(&sig), depth)
			variant.sig = sig
			if len(sig.str) == 0 {
				panic(FormatError("variant signature is empty"))
			}
			err, rem := validSingle(sig.str, 0)
			if err != nil {
				panic(FormatError(err.Error()))
			}
			if rem != "" {
				panic(FormatError("variant signature has multiple types"))
			}
			vt := value(sig.str)
			if vt == interfacesType {
				dec.align(8)
				s := sig.str[1 : len(sig.str)-1]
				slice := reflect.MakeSlice(vt, 0, 0)
				for len(s) != 0 {
					err, rem := validSingle(s, 0)
					if err != nil {
						panic(FormatError(err.Error()))
					}
					et := value(s[:len(s)-len(rem)])
					nv := reflect.New(et)
					dec.decode(nv, depth+1)
					slice = reflect.Append(slice, nv.Elem())
					s = rem
				}
				variant.value = slice.Interface()
			} else {
				nv := reflect.New(vt)
				dec.decode(nv, depth+1)
				variant.value = nv.Elem().Interface()
			}
			v.Set(reflect.ValueOf(variant))
		case signatureType:
			var length uint8
			dec.decode(reflect.ValueOf(&length), depth)
			b := make([]byte, int(length)+1)
			if _, err := io.ReadFull(dec.in, b); err != nil {
				panic(err)
			}
			dec.pos += int(length) + 1
			sig, err := ParseSignature(string(b[:len(b)-1]))
			if err != nil {
				panic(err)
			}
			v.Set(reflect.ValueOf(sig))
		default:
			for i := 0; i < v.NumField(); i++ {
				field := t.Field(i)
				if unicode.IsUpper([]rune(field.Name)[0]) &&
					field.Tag.Get("dbus") != "-" {
					dec.decode(v.Field(i).Addr(), depth+1)
				}
			}
		}
	case reflect.Map:
		var length uint32
		dec.decode(reflect.ValueOf(&length), depth)
		if length > maxArrayLength {
			panic(FormatError("dict exceeds maximum length"))
		}
		m := reflect.MakeMap(v.Type())
		dec.align(8)
		spos := dec.pos
		for dec.pos < spos+int(length) {
			dec.align(8)
			if !isKeyType(v.Type().Key()) {
				panic(invalidTypeError{v.Type()})
			}
			kv := reflect.New(v.Type().Key())
			vv := reflect.New(v.Type().Elem())
			dec.decode(kv, depth+1)
			dec.decode(vv, depth+1)
			m.SetMapIndex(kv.Elem(), vv.Elem())
		}
		v.Set(m)
	default:
		panic(invalidTypeError{v.Type()})
	}
}

// i2fd resolves a wire-format UnixFDIndex into the UnixFD it names in
// dec.fds, panicking with a FormatError if the index is out of range.
func i2fd(dec *decoder, idx uint32) int64 {
	if int(idx) >= len(dec.fds) {
		panic(FormatError("file descriptor index out of range"))
	}
	return int64(dec.fds[idx])
}

// A FormatError represents an error in the wire format (e.g. an invalid
// value for a boolean, or a declared length exceeding a wire limit).
type FormatError string

func (e FormatError) Error() string {
	return "dbus: format error: " + string(e)
}
