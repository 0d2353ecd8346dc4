// Command x402-gateway puts pay-per-call x402 payments in front of an HTTP service.
package main

import "github.com/mark3labs/x402-gateway/internal/cmd"

func main() {
	cmd.Execute()
}
