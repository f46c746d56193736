package apiclient

import "crypto/tls"

// insecureTLSConfig backs Connection.VerifyTLS=false, used against
// self-hosted instances with internal CAs during development migrations.
func insecureTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in via config, self-hosted instances only
}
