package cache

import (
	"github.com/bytedance/sonic"
)

var jsonHandler = sonic.Config{
	UseNumber:  true,
	EscapeHTML: true,
}.Froze()

func marshal(v interface{}) ([]byte, error) {
	return jsonHandler.Marshal(v)
}

func unmarshal(data []byte, v interface{}) error {
	return jsonHandler.Unmarshal(data, v)
}
