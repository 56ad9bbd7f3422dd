package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID string. Lockout and enforcement-action rows use these
// as primary keys so journal listings sort by creation time.
func New() string {
	return At(time.Now())
}

// At returns a ULID whose timestamp component is t. Callers driven by an
// injected clock use this so ids stay ordered with the clock they observe.
func At(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()

	v, err := ulid.New(ulid.Timestamp(t.UTC()), mono)
	if err != nil {
		// Monotonic entropy only fails on overflow within one millisecond,
		// or when t moves backwards relative to a previous call.
		v = ulid.MustNew(ulid.Timestamp(t.UTC()), cryptoRand.Reader)
	}
	return v.String()
}
