//go:build !sonic

package transfer

import "github.com/goccy/go-json"

var jsonUnmarshal = json.Unmarshal
