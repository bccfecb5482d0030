package backend

import (
	"crypto/sha1"
	"crypto/subtle"
)

// mysqlNativePasswordHash computes the mysql_native_password response
// per spec.md §6: SHA1(password) XOR SHA1(scramble + SHA1(SHA1(password))).
// An empty password yields an empty response, matching the protocol's
// anonymous-auth shortcut. Grounded on the teacher's
// mysqlNativePasswordHash, unchanged.
func mysqlNativePasswordHash(password string, scramble []byte) []byte {
	if password == "" {
		return nil
	}
	pwHash := sha1.Sum([]byte(password))
	pwHashHash := sha1.Sum(pwHash[:])

	h := sha1.New()
	h.Write(scramble)
	h.Write(pwHashHash[:])
	scrambleHash := h.Sum(nil)

	out := make([]byte, len(pwHash))
	for i := range out {
		out[i] = pwHash[i] ^ scrambleHash[i]
	}
	return out
}

// VerifyNativePassword reports whether clientResponse is the
// mysql_native_password response a client authenticating with
// password against scramble should have sent — the check the proxy
// itself runs against a client's HandshakeResponse41 before dialing a
// backend on its behalf (spec.md §4.2a names the proxy, not the
// backend, as the party that authenticates the client). An empty
// configured password accepts any empty response, matching the
// protocol's anonymous-auth shortcut.
func VerifyNativePassword(password string, scramble, clientResponse []byte) bool {
	want := mysqlNativePasswordHash(password, scramble)
	if len(want) == 0 {
		return len(clientResponse) == 0
	}
	return len(want) == len(clientResponse) && subtle.ConstantTimeCompare(want, clientResponse) == 1
}

// buildChangeUserPacket encodes a COM_CHANGE_USER payload (spec.md
// §4.3's hand-off path: reusing a pooled connection under a different
// session's credentials without a fresh TCP handshake).
func buildChangeUserPacket(caps uint32, user, database string, authResponse []byte, charset byte) []byte {
	buf := make([]byte, 0, 32+len(user)+len(database)+len(authResponse))
	buf = append(buf, 0x11) // COM_CHANGE_USER
	buf = append(buf, user...)
	buf = append(buf, 0)
	if caps&CapSecureConnection != 0 {
		buf = append(buf, byte(len(authResponse)))
		buf = append(buf, authResponse...)
	} else {
		buf = append(buf, authResponse...)
		buf = append(buf, 0)
	}
	buf = append(buf, database...)
	buf = append(buf, 0)
	buf = append(buf, charset, 0)
	if caps&CapPluginAuth != 0 {
		buf = append(buf, "mysql_native_password"...)
		buf = append(buf, 0)
	}
	return buf
}

// comResetConnection is the zero-payload COM_RESET_CONNECTION command
// (spec.md §4.3): cheaper than COM_CHANGE_USER when the pooled
// connection is being reused under the same credentials, resetting
// session state (temp tables, user vars, transaction) without
// re-authenticating.
func comResetConnection() []byte {
	return []byte{0x1f}
}

// comQuery wraps a query string as a COM_QUERY command packet payload.
func comQuery(sql string) []byte {
	buf := make([]byte, 0, 1+len(sql))
	buf = append(buf, 0x03)
	buf = append(buf, sql...)
	return buf
}

// comQuit is the zero-payload COM_QUIT command.
func comQuit() []byte {
	return []byte{0x01}
}

// comPing is the zero-payload COM_PING command: a reserved keepalive
// that always gets a bare OK reply (spec.md §4.2's ping()).
func comPing() []byte {
	return []byte{0x0e}
}
