package lbank

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"sort"
	"strings"
)

const echostrLen = 35

var echostrAlphabet = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

func randomEchostr() string {
	b := make([]byte, echostrLen)
	for i := range b {
		b[i] = echostrAlphabet[rand.Intn(len(echostrAlphabet))]
	}
	return string(b)
}

// sign produces the contract-API signature for a parameter set:
// parameters sorted by key into a query string, MD5 hex digest uppercased,
// then HmacSHA256 over that digest with the secret key, hex encoded.
func sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}

	md5sum := md5.Sum([]byte(sb.String()))
	digest := strings.ToUpper(hex.EncodeToString(md5sum[:]))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(digest))
	return hex.EncodeToString(mac.Sum(nil))
}
