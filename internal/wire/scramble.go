package wire

import "crypto/sha1"

// ScrambleSHA1 computes the chap-sha1 auth reply for password given the
// salt from a peer's Greeting: scramble = SHA1(password) XOR
// SHA1(salt + SHA1(SHA1(password))). The credential store and challenge
// protocol themselves are out of scope (spec.md §1); this is purely the
// deterministic wire-level transform an AuthRequest's Reply carries.
func ScrambleSHA1(password string, salt []byte) []byte {
	var step1 = sha1.Sum([]byte(password))
	var step2 = sha1.Sum(step1[:])

	var h = sha1.New()
	h.Write(salt)
	h.Write(step2[:])
	var step3 = h.Sum(nil)

	var scramble = make([]byte, sha1.Size)
	for i := range scramble {
		scramble[i] = step1[i] ^ step3[i]
	}
	return scramble
}
