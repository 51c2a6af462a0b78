// Command mailgwd is the IMAP4rev1/POP3 gateway daemon. It runs in one
// of two roles depending on os.Args[1]:
//
//   - (no argument, or any argument other than "protocol-handler"): the
//     listener parent. Accepts connections on every configured address;
//     POP3/POP3S connections are handed off to a protocol-handler
//     subprocess for privilege separation (see serve.go), IMAP/IMAPS
//     connections are served directly in-process since IMAP carries no
//     POP3-style mail-session fork.
//   - "protocol-handler": a POP3 subprocess spawned by the listener
//     parent to handle exactly one accepted connection (see handler.go).
package main

import "os"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "protocol-handler" {
		runProtocolHandler()
		return
	}
	runServe()
}
