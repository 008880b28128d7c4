package resp

import (
	"fmt"
	"strconv"
	"strings"
)

// AppendUint appends a RESP uint64 to the input bytes.
func AppendUint(b []byte, n uint64) []byte {
	b = append(b, ':')
	b = strconv.AppendUint(b, n, 10)
	return append(b, '\r', '\n')
}

// AppendInt appends a RESP int64 to the input bytes.
func AppendInt(b []byte, n int64) []byte {
	b = append(b, ':')
	b = strconv.AppendInt(b, n, 10)
	return append(b, '\r', '\n')
}

// AppendArray appends a RESP array header to the input bytes.
func AppendArray(b []byte, n int) []byte {
	b = append(b, '*')
	b = strconv.AppendInt(b, int64(n), 10)
	return append(b, '\r', '\n')
}

// AppendBulk appends a RESP bulk byte slice to the input bytes.
func AppendBulk(b []byte, bulk []byte) []byte {
	b = append(b, '$')
	b = strconv.AppendInt(b, int64(len(bulk)), 10)
	b = append(b, '\r', '\n')
	b = append(b, bulk...)
	return append(b, '\r', '\n')
}

// AppendBulkString appends a RESP bulk string to the input bytes.
func AppendBulkString(b []byte, bulk string) []byte {
	b = append(b, '$')
	b = strconv.AppendInt(b, int64(len(bulk)), 10)
	b = append(b, '\r', '\n')
	b = append(b, bulk...)
	return append(b, '\r', '\n')
}

// AppendString appends a RESP simple string to the input bytes.
func AppendString(b []byte, s string) []byte {
	b = append(b, '+')
	b = append(b, stripNewlines(s)...)
	return append(b, '\r', '\n')
}

// AppendError appends a RESP error to the input bytes.
func AppendError(b []byte, s string) []byte {
	b = append(b, '-')
	b = append(b, stripNewlines(s)...)
	return append(b, '\r', '\n')
}

// AppendOK appends a RESP +OK to the input bytes.
func AppendOK(b []byte) []byte {
	return append(b, '+', 'O', 'K', '\r', '\n')
}

// AppendNull appends a RESP null bulk to the input bytes.
func AppendNull(b []byte) []byte {
	return append(b, '$', '-', '1', '\r', '\n')
}

// AppendAny appends any value to the input bytes:
//
//	nil      -> null bulk
//	string   -> bulk string
//	[]byte   -> bulk
//	int/int64/uint64 -> integer
//	error    -> error
//	[]any    -> array, elements appended recursively
func AppendAny(b []byte, v any) []byte {
	switch v := v.(type) {
	case nil:
		return AppendNull(b)
	case string:
		return AppendBulkString(b, v)
	case []byte:
		return AppendBulk(b, v)
	case int:
		return AppendInt(b, int64(v))
	case int64:
		return AppendInt(b, v)
	case uint64:
		return AppendUint(b, v)
	case error:
		return AppendError(b, v.Error())
	case []any:
		b = AppendArray(b, len(v))
		for _, e := range v {
			b = AppendAny(b, e)
		}
		return b
	default:
		return AppendBulkString(b, stringify(v))
	}
}

func stringify(v any) string {
	switch v := v.(type) {
	case bool:
		if v {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(v)
	}
}

func stripNewlines(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' || s[i] == '\n' {
			s = strings.Replace(s, "\r", " ", -1)
			s = strings.Replace(s, "\n", " ", -1)
			break
		}
	}
	return s
}
