package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/davidahmann/sponsorgate/internal/crypto"
	"github.com/davidahmann/sponsorgate/internal/payload"
	"github.com/davidahmann/sponsorgate/internal/policy"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return handleVerify(args[2:], stdout, stderr)
	case "audit":
		return handleAudit(args[2:], stdout, stderr)
	case "epoch":
		return handleEpoch(args[2:], stdout, stderr)
	case "validate":
		return handleValidate(args[2:], stdout, stderr)
	case "policy":
		return handlePolicy(args[2:], stdout, stderr)
	case "payload":
		return handlePayload(args[2:], stdout, stderr)
	case "binding":
		return handleBinding(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

type remoteFlags struct {
	addr  *string
	token *string
}

func addRemoteFlags(fs *flag.FlagSet) remoteFlags {
	return remoteFlags{
		addr:  fs.String("addr", envOrDefault("SPONSORGATE_ADDR", defaultAddr), "gateway API address"),
		token: fs.String("token", envOrDefault("SPONSORGATE_TOKEN", os.Getenv("SPONSORGATE_DEV_TOKEN")), "bearer token"),
	}
}

func handleVerify(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	remote := addRemoteFlags(fs)
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "verify requires <record_id>")
		fs.Usage()
		return 2
	}
	recordID := fs.Arg(0)

	respBody, status, err := httpDo(http.DefaultClient, http.MethodGet, *remote.addr+"/v1/verify/"+recordID, *remote.token, nil)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}

	var out struct {
		RecordID string `json:"record_id"`
		Valid    bool   `json:"valid"`
		Error    string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "verify failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}
	if out.Valid {
		fmt.Fprintf(stdout, "valid=true record_id=%s\n", out.RecordID)
		return 0
	}
	fmt.Fprintf(stdout, "valid=false record_id=%s error=%s\n", out.RecordID, out.Error)
	return 1
}

func handleAudit(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	remote := addRemoteFlags(fs)
	asYAML := fs.Bool("yaml", false, "fetch the record as YAML")
	outPath := fs.String("out", "", "write the record to a file instead of stdout")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "audit requires <record_id>")
		fs.Usage()
		return 2
	}

	url := *remote.addr + "/v1/audit/" + fs.Arg(0)
	if *asYAML {
		url += "?format=yaml"
	}
	respBody, status, err := httpDo(http.DefaultClient, http.MethodGet, url, *remote.token, nil)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "audit failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	if *outPath == "" {
		_, _ = stdout.Write(respBody)
		return 0
	}
	if dir := filepath.Dir(*outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			fmt.Fprintln(stderr, "output dir:", err)
			return 1
		}
	}
	if err := os.WriteFile(*outPath, respBody, 0o600); err != nil {
		fmt.Fprintln(stderr, "write output:", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", *outPath)
	return 0
}

func handleEpoch(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("epoch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	remote := addRemoteFlags(fs)
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(stderr, "epoch requires <policy_id> <epoch>")
		fs.Usage()
		return 2
	}
	if _, err := strconv.ParseUint(fs.Arg(1), 10, 64); err != nil {
		fmt.Fprintln(stderr, "invalid epoch:", fs.Arg(1))
		return 2
	}

	respBody, status, err := httpDo(http.DefaultClient, http.MethodGet, *remote.addr+"/v1/policies/"+fs.Arg(0)+"/epochs/"+fs.Arg(1), *remote.token, nil)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "epoch failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}
	var out struct {
		PolicyID  string `json:"policy_id"`
		Epoch     uint64 `json:"epoch"`
		Cap       string `json:"cap"`
		Spent     string `json:"spent"`
		Remaining string `json:"remaining"`
		Current   bool   `json:"current"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "policy_id=%s epoch=%d cap=%s spent=%s remaining=%s current=%t\n",
		out.PolicyID, out.Epoch, out.Cap, out.Spent, out.Remaining, out.Current)
	return 0
}

func handleValidate(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	remote := addRemoteFlags(fs)
	policyID := fs.String("policy", "", "policy id")
	opHash := fs.String("op", "", "operation hash (0x-prefixed, 32 bytes)")
	amount := fs.String("amount", "", "operation amount in base units")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 || *policyID == "" || *opHash == "" || *amount == "" {
		fmt.Fprintln(stderr, "validate requires --policy, --op, --amount and <payload_hex>")
		fs.Usage()
		return 2
	}

	body, err := json.Marshal(map[string]string{
		"policy_id": *policyID,
		"op_hash":   *opHash,
		"amount":    *amount,
		"payload":   fs.Arg(0),
	})
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	respBody, status, err := httpDo(http.DefaultClient, http.MethodPost, *remote.addr+"/v1/validate", *remote.token, body)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	var out struct {
		Admitted     bool   `json:"admitted"`
		Nullifier    string `json:"nullifier"`
		Spent        string `json:"spent"`
		CapRemaining string `json:"cap_remaining"`
		Reason       string `json:"reason"`
		Class        string `json:"class"`
		Detail       string `json:"detail"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	if status == http.StatusOK && out.Admitted {
		fmt.Fprintf(stdout, "admitted=true nullifier=%s spent=%s cap_remaining=%s\n", out.Nullifier, out.Spent, out.CapRemaining)
		return 0
	}
	if out.Reason == "" {
		fmt.Fprintf(stderr, "validate failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}
	fmt.Fprintf(stdout, "admitted=false reason=%s class=%s", out.Reason, out.Class)
	if out.Detail != "" {
		fmt.Fprintf(stdout, " detail=%q", out.Detail)
	}
	fmt.Fprintln(stdout)
	return 1
}

func handlePolicy(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "lint":
		fs := flag.NewFlagSet("policy lint", flag.ContinueOnError)
		fs.SetOutput(stderr)
		if err := fs.Parse(args[1:]); err != nil {
			fs.Usage()
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "policy lint requires <policy_path>")
			fs.Usage()
			return 2
		}
		bundle, err := policy.LoadBundle(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		for _, id := range bundle.PolicyIDs() {
			pol, _ := bundle.Lookup(id)
			fmt.Fprintf(stdout, "ok policy_id=%s cap_per_epoch=%s epoch_length=%d\n", id, pol.CapAmount().String(), pol.Epoch.LengthSeconds)
		}
		fmt.Fprintf(stdout, "policy_hash=%s\n", bundle.Hash)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func handlePayload(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) != 2 || args[0] != "decode" {
		fmt.Fprintln(stderr, "payload requires: decode <payload_hex>")
		return 2
	}
	p, err := payload.DecodeHex(args[1])
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	fmt.Fprintf(stdout, "target_authority=%s\nattestation_ref=%s\npolicy_hash=%s\nepoch=%d\n",
		p.TargetAuthority.Hex(), p.AttestationRef.Hex(), p.PolicyHash.Hex(), p.Epoch)
	return 0
}

// handleBinding prints the policy hash and nullifier an operation binds to
// in one epoch.
func handleBinding(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(stderr, "binding requires <op_hash> <epoch>")
		return 2
	}
	opHash, err := crypto.ParseHash(args[0])
	if err != nil {
		fmt.Fprintln(stderr, "invalid op hash:", err)
		return 2
	}
	epoch, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Fprintln(stderr, "invalid epoch:", args[1])
		return 2
	}
	fmt.Fprintf(stdout, "policy_hash=%s\nnullifier=%s\n", crypto.PolicyHash(opHash, epoch).Hex(), crypto.Nullifier(opHash, epoch).Hex())
	return 0
}

func httpDo(client *http.Client, method, url, token string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func usage(w io.Writer) {
	fmt.Fprint(w, `SponsorGate CLI

Usage:
  sponsorgate verify <record_id> [--addr URL] [--json] [--token TOKEN]
  sponsorgate audit <record_id> [--yaml] [--out FILE] [--addr URL] [--token TOKEN]
  sponsorgate epoch <policy_id> <epoch> [--addr URL] [--token TOKEN]
  sponsorgate validate --policy ID --op HASH --amount N <payload_hex> [--addr URL] [--token TOKEN]
  sponsorgate policy lint <policy_path>
  sponsorgate payload decode <payload_hex>
  sponsorgate binding <op_hash> <epoch>
`)
}
