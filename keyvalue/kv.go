// Package keyvalue provides a simple key/value pair type for passing
// structured context to diagnostic interfaces.
package keyvalue

type T struct {
	Key   string
	Value string
}

func KV(key, value string) T {
	return T{
		Key:   key,
		Value: value,
	}
}
