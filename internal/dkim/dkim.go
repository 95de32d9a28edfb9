// Package dkim wraps emersion/go-msgauth/dkim with the signing and
// verification policy described for the core: default header set and
// canonicalization on sign, and a memoized worst-result verdict on verify.
package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"
	msgdkim "github.com/emersion/go-msgauth/dkim"
	"github.com/vmta/coremta/framework/buffer"
	"github.com/vmta/coremta/framework/dns"
)

// SignConfig is one domain's signing material and policy.
type SignConfig struct {
	SDID           string
	Selector       string
	PrivateKey     crypto.Signer
	HeaderKeys     []string // default From,To,Date,Subject if empty
	HeaderCanon    msgdkim.Canonicalization // default relaxed
	BodyCanon      msgdkim.Canonicalization // default relaxed
	Expiry         time.Duration
}

var defaultHeaderKeys = []string{"From", "To", "Date", "Subject"}

// LoadSigner reads a PEM-encoded private key from path, accepting PKCS#8,
// PKCS#1 (RSA), and SEC1 (EC) blocks so any of the common openssl/keygen
// output forms works without pre-conversion.
func LoadSigner(path string) (crypto.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dkim: reading %s: %w", path, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("dkim: %s contains no PEM block", path)
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("dkim: %s: unsupported key type %T", path, key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	return nil, fmt.Errorf("dkim: %s: unrecognized private key encoding", path)
}

// Sign produces a DKIM-Signature header value for the header/body pair and
// returns it as a raw header line ready to be prepended to the message.
func Sign(cfg SignConfig, hdr textproto.Header, body buffer.Buffer) ([]byte, error) {
	headerKeys := cfg.HeaderKeys
	if len(headerKeys) == 0 {
		headerKeys = defaultHeaderKeys
	}
	headerCanon := cfg.HeaderCanon
	if headerCanon == "" {
		headerCanon = msgdkim.CanonicalizationRelaxed
	}
	bodyCanon := cfg.BodyCanon
	if bodyCanon == "" {
		bodyCanon = msgdkim.CanonicalizationRelaxed
	}

	opts := msgdkim.SignOptions{
		Domain:                 cfg.SDID,
		Selector:               cfg.Selector,
		Identifier:             "@" + cfg.SDID,
		Signer:                 cfg.PrivateKey,
		HeaderCanonicalization: headerCanon,
		BodyCanonicalization:   bodyCanon,
		HeaderKeys:             headerKeys,
	}
	if cfg.Expiry != 0 {
		opts.Expiration = time.Now().Add(cfg.Expiry)
	}

	signer, err := msgdkim.NewSigner(&opts)
	if err != nil {
		return nil, err
	}
	if err := textproto.WriteHeader(signer, hdr); err != nil {
		signer.Close()
		return nil, err
	}
	r, err := body.Open()
	if err != nil {
		signer.Close()
		return nil, err
	}
	defer r.Close()
	if _, err := io.Copy(signer, r); err != nil {
		signer.Close()
		return nil, err
	}
	if err := signer.Close(); err != nil {
		return nil, err
	}
	return []byte(signer.Signature()), nil
}

// Result is the memoized outcome of a Verify call: one of pass, fail,
// neutral, permerror, temperror, none.
type Result struct {
	Verdict string
	SDID    string
	AUID    string
}

// Verify iterates over up to maxSigs DKIM-Signature headers in raw (full
// message: header + blank line + body) and returns the first passing
// signature, or the worst failure if none pass.
func Verify(ctx context.Context, resolver dns.Resolver, raw []byte, maxSigs int) (Result, error) {
	verifications, err := msgdkim.VerifyWithOptions(bytes.NewReader(raw), &msgdkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			return resolver.LookupTXT(ctx, domain)
		},
	})
	if err != nil {
		return Result{Verdict: "temperror"}, err
	}
	if len(verifications) == 0 {
		return Result{Verdict: "none"}, nil
	}
	if maxSigs > 0 && len(verifications) > maxSigs {
		verifications = verifications[:maxSigs]
	}

	worst := Result{Verdict: "none"}
	for _, v := range verifications {
		if v.Err == nil {
			return Result{Verdict: "pass", SDID: v.Domain, AUID: v.Identifier}, nil
		}
		verdict := "fail"
		if msgdkim.IsPermFail(v.Err) {
			verdict = "permerror"
		} else if msgdkim.IsTempFail(v.Err) {
			verdict = "temperror"
		}
		worst = Result{Verdict: verdict, SDID: v.Domain, AUID: v.Identifier}
	}
	return worst, nil
}

// AuthenticationResults formats res as an RFC 8601 Authentication-Results
// header value for servName, the way the verifier's single Result is
// threaded through go-msgauth/authres the same way the signer already uses
// the package for its own header construction.
func AuthenticationResults(servName string, res Result) string {
	var val authres.ResultValue
	switch res.Verdict {
	case "pass":
		val = authres.ResultPass
	case "fail":
		val = authres.ResultFail
	case "permerror":
		val = authres.ResultPermError
	case "temperror":
		val = authres.ResultTempError
	case "neutral":
		val = authres.ResultNeutral
	default:
		val = authres.ResultNone
	}
	return authres.Format(servName, []authres.Result{
		&authres.DKIMResult{Value: val, Domain: res.SDID, Identifier: res.AUID},
	})
}
