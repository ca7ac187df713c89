// cloak-call sends a single HTTP request through a cloak-proxy tunnel and
// prints the response. It is the scriptable counterpart of the interactive
// CLI client: everything upstream-identifying travels only inside the
// sealed payload.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"cloak-proxy/internal/model"
	"cloak-proxy/internal/proxyclient"
	"cloak-proxy/internal/seal"
)

type cli struct {
	Proxy   string        `kong:"required,short='x',help='Tunnel proxy address (host:port).',env='CLOAK_PROXY'"`
	Key     string        `kong:"required,help='Pre-shared key as 64 hex chars.',env='CLOAK_KEY'"`
	Method  string        `kong:"short='X',default='GET',help='HTTP method: GET|POST|PUT|DELETE|PATCH|HEAD.'"`
	Header  []string      `kong:"short='H',help='Request header in Name:Value form (repeatable).'"`
	Data    string        `kong:"short='d',help='Request body; use @path to read from a file, @- for stdin.'"`
	Timeout time.Duration `kong:"default='120s',help='Total exchange timeout.'"`
	Include bool          `kong:"short='i',help='Print response status line and headers before the body.'"`
	URL     string        `kong:"arg,required,help='Full upstream URL.'"`
}

func main() {
	var flags cli
	ctx := kong.Parse(&flags,
		kong.Name("cloak-call"),
		kong.Description("Send one HTTP request through a cloak-proxy tunnel."),
	)
	ctx.FatalIfErrorf(run(&flags))
}

func run(flags *cli) error {
	key, err := seal.ParseKey(flags.Key)
	if err != nil {
		return err
	}

	body, err := readBody(flags.Data)
	if err != nil {
		return err
	}

	headers := make(model.Headers, len(flags.Header))
	for _, pair := range flags.Header {
		name, value, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("malformed header %q; want Name:Value", pair)
		}
		headers.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	client, err := proxyclient.New(flags.Proxy, key)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
	defer cancel()

	response, err := client.Do(callCtx, &model.RequestDescriptor{
		Method:  strings.ToUpper(flags.Method),
		URL:     flags.URL,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		if errors.Is(err, proxyclient.ErrProxyFault) {
			return fmt.Errorf("proxy could not reach the upstream: %s", response.ProxyError)
		}
		return err
	}

	if flags.Include {
		fmt.Printf("HTTP %d\n", response.StatusCode)
		for name, value := range response.Headers {
			fmt.Printf("%s: %s\n", name, value)
		}
		fmt.Println()
	}
	if _, err := os.Stdout.Write(response.Body); err != nil {
		return err
	}

	// Upstream application errors are forwarded faithfully; reflect them
	// in the exit code without inventing any output.
	if response.StatusCode >= 400 {
		os.Exit(22)
	}
	return nil
}

// readBody resolves the --data flag: literal bytes, @path for a file,
// @- for stdin.
func readBody(data string) ([]byte, error) {
	switch {
	case data == "":
		return nil, nil
	case data == "@-":
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return body, nil
	case strings.HasPrefix(data, "@"):
		body, err := os.ReadFile(data[1:])
		if err != nil {
			return nil, fmt.Errorf("read body file: %w", err)
		}
		return body, nil
	default:
		return []byte(data), nil
	}
}
