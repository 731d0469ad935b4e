package credsvc

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// signLink computes the link signature over "batch_id:exp".
func signLink(secret []byte, batchID string, exp int64) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%d", batchID, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyLink checks a presented signature in constant time and rejects
// expired links.
func verifyLink(secret []byte, batchID, expStr, sig string, now time.Time) error {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed expiry")
	}

	expected := signLink(secret, batchID, exp)
	// Compare before the expiry check so both paths cost the same.
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("invalid signature")
	}
	if exp <= now.Unix() {
		return fmt.Errorf("link expired")
	}
	return nil
}
