package dbus

import (
	"bytes"
	"testing"
)

type TestStruct struct {
	TestInt int
	TestStr string
}

func Test_VariantOfStruct(t *testing.T) {
	tester := TestStruct{TestInt: 123, TestStr: "foobar"}
	testerDecoded := []interface{}{123, "foobar"}
	variant := MakeVariant(testerDecoded)
	input := []interface{}{variant}
	var output TestStruct
	if err := Store(input, &output); err != nil {
		t.Fatal(err)
	}
	if tester != output {
		t.Fatalf("%v != %v\n", tester, output)
	}
}

func Test_VariantOfSlicePtr(t *testing.T) {
	value := []TestStruct{{1, "1"}}
	var dest []*TestStruct

	param := NewCallMessage("", "/example", "", "call")
	param.Flags = FlagNoAutoStart
	if err := param.setBody(value); err != nil {
		t.Fatal(err)
	}

	buf := new(bytes.Buffer)
	if err := param.EncodeTo(buf, 1); err != nil {
		t.Fatal(err)
	}

	msg, _, err := DecodeMessage(buf.Bytes(), nil)
	if err != nil {
		t.Fatal(err)
	}
	vs, err := msg.Values()
	if err != nil {
		t.Fatal(err)
	}
	if err := Store(vs, &dest); err != nil {
		t.Fatal(err)
	}
	if len(dest) != len(value) || *dest[0] != value[0] {
		t.Fatalf("%v != %v\n", value, dest)
	}
}
