// Package mcp implements the client side of the Model Context Protocol over a
// child process's standard input and output.
//
// # Wire format
//
// Every message is a single JSON-RPC 2.0 object terminated by a newline:
//
//	→ {"jsonrpc":"2.0","id":1,"method":"initialize","params":{...}}
//	← {"jsonrpc":"2.0","id":1,"result":{"serverInfo":{...}}}
//	→ {"jsonrpc":"2.0","method":"notifications/initialized"}
//	→ {"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}
//	← {"jsonrpc":"2.0","id":2,"result":{"content":[{"type":"text","text":"1"}]}}
//
// # Components
//
// Framer: Reassembles lines from arbitrarily chunked output. A message split
// across reads is held until its newline arrives.
//
// Conn: The protocol multiplexer. Each request gets an id from a
// per-connection counter and a slot in the pending table; the read loop routes
// each response straight to the waiter that owns its id. Responses for ids
// nobody is waiting on (for example, after a timeout) are logged and dropped,
// so they can never satisfy a later call.
//
// # Handshake
//
// A Conn starts in StateSpawned. Initialize moves it to StateHandshaking,
// sends initialize, waits for the reply, sends notifications/initialized and
// moves to StateInitialized. Tool calls are rejected with ErrNotInitialized in
// any other state. There is no way back: a failed handshake requires a new
// process and a new Conn.
package mcp
