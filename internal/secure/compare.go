package secure

import "crypto/subtle"

// SecretsEqual reports whether two secrets are byte-for-byte equal. The
// comparison always walks the full length of the longer operand so the
// position of the first mismatch cannot be observed through timing.
func SecretsEqual(a, b string) bool {
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}

	var diff byte
	for i := 0; i < longest; i++ {
		var ca, cb byte
		if i < len(a) {
			ca = a[i]
		}
		if i < len(b) {
			cb = b[i]
		}
		diff |= ca ^ cb
	}

	sameBytes := subtle.ConstantTimeByteEq(diff, 0)
	sameLength := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	return sameBytes&sameLength == 1
}
