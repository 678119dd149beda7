// Package sec1 implements Security1 style session setup and authenticated channel.
//
// Handshake messages start with version(1) | type(1):
//
//	SESSION_ESTABLISH  client: key_len(1) | pubkey(32)
//	                   device: key_len(1) | pubkey(32) | random(16)
//	SESSION_VERIFY     client: token_len(2, big-endian) | token(32)
//	                   device: status(1), 0 = success
//
// Session key is X25519 shared secret XOR SHA-256(PoP), or plain shared
// secret when PoP is empty. Client proves PoP knowledge by sending
// AES-256-CTR(session_key, iv=device_random, device_pubkey).
//
// After handshake, payloads are sealed as IV(16) | HMAC-SHA256(IV|ct)(32) | AES-CTR ct.
package sec1
