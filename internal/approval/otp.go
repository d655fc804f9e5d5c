package approval

import "github.com/pquerna/otp/hotp"

// generateCode and validateCode use HOTP (a fixed counter per approval
// request, rather than a moving time window) since each approval is a
// single-use ticket, not a recurring authenticator-app credential.
func generateCode(secret string, counter uint64) (string, error) {
	return hotp.GenerateCode(secret, counter)
}

func validateCode(code, secret string, counter uint64) bool {
	return hotp.Validate(code, counter, secret)
}
