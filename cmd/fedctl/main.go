package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"fedplane/internal/enrollment"
	"fedplane/internal/pki"
)

// fedctl is a thin automation surface over the federation HTTP API: each
// command maps 1:1 onto one enrollment or revocation operation.

const usage = `Usage: fedctl <command> [flags]

Commands:
  discover            fetch a partner's public discovery metadata
  enroll              submit a signed enrollment request
  verify-fingerprint  confirm a requester fingerprint (operator)
  approve             approve a verified enrollment (operator)
  exchange            fetch provisioned credentials with a signed request
  activate            activate this side's federation link
  revoke              revoke an enrollment (operator)
  graph               print the trust graph (operator)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "discover":
		err = cmdDiscover(os.Args[2:])
	case "enroll":
		err = cmdEnroll(os.Args[2:])
	case "verify-fingerprint":
		err = cmdVerifyFingerprint(os.Args[2:])
	case "approve":
		err = cmdApprove(os.Args[2:])
	case "exchange":
		err = cmdExchange(os.Args[2:])
	case "activate":
		err = cmdActivate(os.Args[2:])
	case "revoke":
		err = cmdRevoke(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fedctl: %v\n", err)
		os.Exit(1)
	}
}

func cmdDiscover(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	server := fs.String("server", "", "partner API base URL")
	fs.Parse(args)
	if *server == "" {
		return fmt.Errorf("-server is required")
	}
	return call(http.MethodGet, *server+"/api/v1/discovery", "", nil)
}

func cmdEnroll(args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	server := fs.String("server", "", "approver API base URL")
	code := fs.String("code", "", "this instance's code")
	approver := fs.String("approver", "", "approver instance code")
	baseURL := fs.String("base-url", "", "this instance's base URL")
	apiURL := fs.String("api-url", "", "this instance's API URL")
	idpURL := fs.String("idp-url", "", "this instance's IdP URL")
	scopes := fs.String("scopes", "policy:base", "comma-separated requested scopes")
	dataDir := fs.String("data-dir", "data", "signing identity directory")
	fs.Parse(args)
	if *server == "" || *code == "" || *approver == "" {
		return fmt.Errorf("-server, -code and -approver are required")
	}

	identity, err := pki.NewIdentityManager(*dataDir, *code)
	if err != nil {
		return fmt.Errorf("failed to load signing identity: %w", err)
	}

	req := &enrollment.EnrollRequest{
		ProtocolVersion: enrollment.ProtocolVersion,
		RequesterCode:   *code,
		ApproverCode:    *approver,
		Fingerprint:     identity.Fingerprint(),
		SigningCertPEM:  identity.CertPEM(),
		BaseURL:         *baseURL,
		APIURL:          *apiURL,
		IdPURL:          *idpURL,
		RequestedScopes: strings.Split(*scopes, ","),
	}
	req.Signature, err = identity.Sign(req.CanonicalBytes())
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	fmt.Fprintf(os.Stderr, "fingerprint (share out-of-band): %s\n", identity.Fingerprint())
	return call(http.MethodPost, *server+"/api/v1/enrollments", "", req)
}

func cmdVerifyFingerprint(args []string) error {
	fs := flag.NewFlagSet("verify-fingerprint", flag.ExitOnError)
	server := fs.String("server", "", "local API base URL")
	id := fs.String("id", "", "enrollment id")
	fingerprint := fs.String("fingerprint", "", "out-of-band confirmed fingerprint")
	token := fs.String("token", "", "operator token")
	fs.Parse(args)
	if *server == "" || *id == "" || *fingerprint == "" {
		return fmt.Errorf("-server, -id and -fingerprint are required")
	}
	url := fmt.Sprintf("%s/api/v1/enrollments/%s/verify-fingerprint", *server, *id)
	return call(http.MethodPost, url, *token, map[string]string{"fingerprint": *fingerprint})
}

func cmdApprove(args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	server := fs.String("server", "", "local API base URL")
	id := fs.String("id", "", "enrollment id")
	scopes := fs.String("scopes", "", "comma-separated granted scopes (default: requested)")
	token := fs.String("token", "", "operator token")
	fs.Parse(args)
	if *server == "" || *id == "" {
		return fmt.Errorf("-server and -id are required")
	}
	body := map[string]interface{}{}
	if *scopes != "" {
		body["grantedScopes"] = strings.Split(*scopes, ",")
	}
	url := fmt.Sprintf("%s/api/v1/enrollments/%s/approve", *server, *id)
	return call(http.MethodPost, url, *token, body)
}

func cmdExchange(args []string) error {
	fs := flag.NewFlagSet("exchange", flag.ExitOnError)
	server := fs.String("server", "", "approver API base URL")
	id := fs.String("id", "", "enrollment id")
	code := fs.String("code", "", "this instance's code")
	dataDir := fs.String("data-dir", "data", "signing identity directory")
	fs.Parse(args)
	if *server == "" || *id == "" || *code == "" {
		return fmt.Errorf("-server, -id and -code are required")
	}

	identity, err := pki.NewIdentityManager(*dataDir, *code)
	if err != nil {
		return fmt.Errorf("failed to load signing identity: %w", err)
	}

	req := &enrollment.ExchangeRequest{
		EnrollmentID:  *id,
		RequesterCode: *code,
		RequestedAt:   time.Now(),
	}
	req.Signature, err = identity.Sign(req.CanonicalBytes())
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/enrollments/%s/exchange", *server, *id)
	return call(http.MethodPost, url, "", req)
}

func cmdActivate(args []string) error {
	fs := flag.NewFlagSet("activate", flag.ExitOnError)
	server := fs.String("server", "", "approver API base URL")
	id := fs.String("id", "", "enrollment id")
	code := fs.String("code", "", "this instance's code")
	fs.Parse(args)
	if *server == "" || *id == "" || *code == "" {
		return fmt.Errorf("-server, -id and -code are required")
	}
	url := fmt.Sprintf("%s/api/v1/enrollments/%s/activate", *server, *id)
	return call(http.MethodPost, url, "", map[string]string{"instanceCode": *code})
}

func cmdRevoke(args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	server := fs.String("server", "", "local API base URL")
	id := fs.String("id", "", "enrollment id")
	reason := fs.String("reason", "", "revocation reason")
	token := fs.String("token", "", "operator token")
	fs.Parse(args)
	if *server == "" || *id == "" || *reason == "" {
		return fmt.Errorf("-server, -id and -reason are required")
	}
	return call(http.MethodPost, *server+"/api/v1/revocations", *token,
		map[string]string{"enrollmentId": *id, "reason": *reason})
}

func cmdGraph(args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	server := fs.String("server", "", "local API base URL")
	token := fs.String("token", "", "operator token")
	fs.Parse(args)
	if *server == "" {
		return fmt.Errorf("-server is required")
	}
	return call(http.MethodGet, *server+"/api/v1/graph", *token, nil)
}

// call performs one API request and prints the response body to stdout
func call(method, url, token string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
