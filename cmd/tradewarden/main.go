// Command tradewarden supervises an always-on automated trading process.
package main

import "trade-warden/internal/cli"

func main() {
	cli.Execute()
}
