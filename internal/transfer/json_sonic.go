//go:build sonic

package transfer

import "github.com/bytedance/sonic"

var jsonUnmarshal = sonic.Unmarshal
