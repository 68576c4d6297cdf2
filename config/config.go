package config

import (
	"math/rand"
	"time"
)

var Version string

var r = rand.New(rand.NewSource(time.Now().UnixNano()))

// RandomTrailer generates a random lowercase alphanumeric string, used to
// tag this instance where a stable unique name is needed.
func RandomTrailer(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	res := make([]byte, length)
	for i := 0; i < length; i++ {
		res[i] = charset[r.Intn(len(charset))]
	}
	return string(res)
}
