package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
)

// Testable variables for main().
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout, http.DefaultClient); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer, client *http.Client) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-verifier-key":
		return genVerifierKey(args[1:], out)
	case "create-policy":
		return createPolicy(args[1:], out, client)
	case "set-subject-attr":
		return setAttribute(args[1:], out, client, "subjects")
	case "set-object-attr":
		return setAttribute(args[1:], out, client, "objects")
	case "apply-bundle":
		return applyBundle(args[1:], out, client)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "adminctl commands:")
	fmt.Fprintln(out, "  gen-verifier-key --out-private private.key --out-public public.key")
	fmt.Fprintln(out, "  create-policy --gateway-url http://host --resource 0x.. --action READ --conditions conditions.json")
	fmt.Fprintln(out, "  set-subject-attr --gateway-url http://host --id 0x.. --key role --value employee")
	fmt.Fprintln(out, "  set-object-attr --gateway-url http://host --id 0x.. --key clearance --value 0x..")
	fmt.Fprintln(out, "  apply-bundle --gateway-url http://host --bundle bundle.yaml")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func authedRequest(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func doRequest(client *http.Client, method, url, token string, body []byte, out io.Writer) error {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	authedRequest(req, token)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	fmt.Fprintln(out, string(respBody))
	return nil
}

// genVerifierKey generates the ed25519 keypair used to stand up an
// envverify.Ed25519Verifier as the engine's Environment Verifier.
func genVerifierKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-verifier-key")
	outPriv := fs.String("out-private", "verifier-private.key", "private key output")
	outPub := fs.String("out-public", "verifier-public.key", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(*outPriv, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*outPub, []byte(hex.EncodeToString(pub)), 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\nENV_VERIFIER_PUBLIC_KEY=%s\n", *outPriv, *outPub, hex.EncodeToString(pub))
	return nil
}

func createPolicy(args []string, out io.Writer, client *http.Client) error {
	fs := newFlagSet("create-policy")
	gatewayURL := fs.String("gateway-url", "", "gateway base URL")
	token := fs.String("token", "", "bearer token")
	resource := fs.String("resource", "", "resource identifier, hex")
	action := fs.String("action", "", "READ, WRITE, or EXECUTE")
	conditionsPath := fs.String("conditions", "", "path to a JSON array of conditions")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *gatewayURL == "" || *resource == "" || *action == "" || *conditionsPath == "" {
		return errors.New("gateway-url, resource, action, conditions required")
	}
	rawConditions, err := os.ReadFile(*conditionsPath)
	if err != nil {
		return fmt.Errorf("read conditions: %w", err)
	}
	var conditions json.RawMessage = rawConditions
	body, err := json.Marshal(map[string]any{
		"resource":   *resource,
		"action":     strings.ToUpper(*action),
		"conditions": conditions,
	})
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	return doRequest(client, http.MethodPost, strings.TrimRight(*gatewayURL, "/")+"/v1/catalog/policies", *token, body, out)
}

func setAttribute(args []string, out io.Writer, client *http.Client, kind string) error {
	fs := newFlagSet("set-" + kind + "-attr")
	gatewayURL := fs.String("gateway-url", "", "gateway base URL")
	token := fs.String("token", "", "bearer token")
	id := fs.String("id", "", "identifier, hex")
	key := fs.String("key", "", "attribute key name")
	value := fs.String("value", "", "attribute value: a well-known name, or a 0x-prefixed 32-byte hex value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *gatewayURL == "" || *id == "" || *key == "" || *value == "" {
		return errors.New("gateway-url, id, key, value required")
	}
	body, err := json.Marshal(map[string]any{
		"attributes": []map[string]string{{"key": *key, "value": *value}},
	})
	if err != nil {
		return fmt.Errorf("encode attribute: %w", err)
	}
	url := fmt.Sprintf("%s/v1/registry/%s/%s/attributes", strings.TrimRight(*gatewayURL, "/"), kind, *id)
	return doRequest(client, http.MethodPost, url, *token, body, out)
}

func applyBundle(args []string, out io.Writer, client *http.Client) error {
	fs := newFlagSet("apply-bundle")
	gatewayURL := fs.String("gateway-url", "", "gateway base URL")
	token := fs.String("token", "", "bearer token")
	bundlePath := fs.String("bundle", "", "path to a YAML policy bundle")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *gatewayURL == "" || *bundlePath == "" {
		return errors.New("gateway-url and bundle required")
	}
	raw, err := os.ReadFile(*bundlePath)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*gatewayURL, "/")+"/v1/catalog/bundles", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/yaml")
	authedRequest(req, *token)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("apply bundle: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("apply bundle: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	fmt.Fprintln(out, string(respBody))
	return nil
}
