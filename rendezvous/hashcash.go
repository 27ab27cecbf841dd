package rendezvous

import (
	"crypto/sha256"
	"fmt"
)

// mintHashcashStamp finds a counter such that sha256("1:bits:resource:counter")
// has at least bits leading zero bits, and returns that string as the
// stamp submitted back to the server. This is the client-side half of
// the server's proof-of-work login gate: cheap to verify, tuned to
// cost the client real compute before it gets a nameplate.
func mintHashcashStamp(bits int, resource string) string {
	for counter := uint64(0); ; counter++ {
		stamp := fmt.Sprintf("1:%d:%s:%d", bits, resource, counter)
		sum := sha256.Sum256([]byte(stamp))
		if leadingZeroBits(sum[:]) >= bits {
			return stamp
		}
	}
}

func leadingZeroBits(b []byte) int {
	n := 0
	for _, v := range b {
		if v == 0 {
			n += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if v&mask != 0 {
				return n
			}
			n++
		}
	}
	return n
}
