package resp

import (
	"testing"
)

func expectBad(t *testing.T, payload string) {
	t.Helper()
	n, _, err := ReadNextValue([]byte(payload))
	if err == nil || n > 0 {
		t.Fatalf("expected a protocol error for %q", payload)
	}
}

func expectIncomplete(t *testing.T, payload string) {
	t.Helper()
	n, _, err := ReadNextValue([]byte(payload))
	if err != nil || n != 0 {
		t.Fatalf("expected incomplete for %q, got n=%d err=%v", payload, n, err)
	}
}

func TestReadNextValueSimple(t *testing.T) {
	n, v, err := ReadNextValue([]byte("+OK\r\n"))
	if err != nil || n != 5 || v.Type != SimpleString || string(v.Data) != "OK" {
		t.Fatalf("got n=%d v=%+v err=%v", n, v, err)
	}
	n, v, err = ReadNextValue([]byte("-ERR bad\r\n"))
	if err != nil || n != 10 || v.Type != Error || string(v.Data) != "ERR bad" {
		t.Fatalf("got n=%d v=%+v err=%v", n, v, err)
	}
	n, v, err = ReadNextValue([]byte(":-42\r\nrest"))
	if err != nil || n != 6 || v.Type != Integer || string(v.Data) != "-42" {
		t.Fatalf("got n=%d v=%+v err=%v", n, v, err)
	}
}

func TestReadNextValueBulk(t *testing.T) {
	n, v, err := ReadNextValue([]byte("$5\r\nhello\r\n"))
	if err != nil || n != 11 || v.Type != Bulk || string(v.Data) != "hello" {
		t.Fatalf("got n=%d v=%+v err=%v", n, v, err)
	}
	// empty bulk is empty, not null
	n, v, err = ReadNextValue([]byte("$0\r\n\r\n"))
	if err != nil || n != 6 || v.Null || v.Data == nil || len(v.Data) != 0 {
		t.Fatalf("got n=%d v=%+v err=%v", n, v, err)
	}
	// null bulk
	n, v, err = ReadNextValue([]byte("$-1\r\n"))
	if err != nil || n != 5 || !v.Null {
		t.Fatalf("got n=%d v=%+v err=%v", n, v, err)
	}
}

func TestReadNextValueArray(t *testing.T) {
	n, v, err := ReadNextValue([]byte("*2\r\n$1\r\na\r\n*1\r\n:7\r\n"))
	if err != nil || n != 19 {
		t.Fatalf("got n=%d v=%+v err=%v", n, v, err)
	}
	if v.Type != Array || len(v.Elems) != 2 {
		t.Fatalf("bad value: %+v", v)
	}
	if string(v.Elems[0].Data) != "a" {
		t.Fatalf("bad elem 0: %+v", v.Elems[0])
	}
	inner := v.Elems[1]
	if inner.Type != Array || len(inner.Elems) != 1 || string(inner.Elems[0].Data) != "7" {
		t.Fatalf("bad elem 1: %+v", inner)
	}
	// null array
	n, v, err = ReadNextValue([]byte("*-1\r\n"))
	if err != nil || n != 5 || !v.Null {
		t.Fatalf("got n=%d v=%+v err=%v", n, v, err)
	}
}

func TestReadNextValueIncomplete(t *testing.T) {
	expectIncomplete(t, "")
	expectIncomplete(t, "+OK")
	expectIncomplete(t, "$5\r\nhel")
	expectIncomplete(t, "*2\r\n$1\r\na\r\n")
}

func TestReadNextValueBad(t *testing.T) {
	expectBad(t, "x\r\n")
	expectBad(t, ":bad\r\n")
	expectBad(t, "$x\r\n")
	expectBad(t, "$-2\r\n")
	expectBad(t, "*x\r\n")
	expectBad(t, "$5\r\nhelloxx")
}
