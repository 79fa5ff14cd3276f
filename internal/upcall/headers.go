package upcall

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/naviserver/httpengine/internal/logging"
	"github.com/naviserver/httpengine/internal/urlutil"
)

// Field is one encoded response header pair.
type Field struct {
	Name, Value string
}

// hopByHop are the connection-scoped HTTP/1.x fields that must never
// appear in an HTTP/3 header section.
var hopByHop = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"upgrade":           true,
	"transfer-encoding": true,
	"te":                true,
}

// EncodeResponseHeaders turns a staged status and header set into the
// contiguous name/value array the HTTP/3 framer submits. Rules:
//
//   - status 101 is rewritten to 200 (switching protocols has no
//     meaning over HTTP/3)
//   - :status is always emitted first, as exactly three ASCII digits
//   - hop-by-hop fields are dropped
//   - any other name starting with ':' is forbidden
func EncodeResponseHeaders(status int, hdrs *urlutil.Headers) ([]Field, error) {
	if status == 101 {
		logging.Info("rewriting response status 101 to 200", zap.Int("status", status))
		status = 200
	}
	if status < 100 || status > 999 {
		return nil, fmt.Errorf("upcall: status %d not encodable as 3 digits", status)
	}

	out := make([]Field, 0, hdrs.Len()+1)
	out = append(out, Field{Name: ":status", Value: strconv.Itoa(status)})

	var encodeErr error
	hdrs.Each(func(name, value string) {
		if encodeErr != nil {
			return
		}
		lower := strings.ToLower(name)
		if hopByHop[lower] {
			return
		}
		if strings.HasPrefix(name, ":") {
			encodeErr = fmt.Errorf("upcall: forbidden pseudo-header %q in response", name)
			return
		}
		out = append(out, Field{Name: lower, Value: value})
	})
	if encodeErr != nil {
		return nil, encodeErr
	}
	return out, nil
}
