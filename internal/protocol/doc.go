// Package protocol implements the host side of the gateway's line protocol.
//
// All traffic is newline-terminated ASCII:
//
//	host -> gateway   MID:<id>            select target node
//	gateway -> host   MID?OK              selection accepted
//	host -> gateway   FLX?                ready to send
//	host -> gateway   FLX?EOF             image complete
//	gateway -> host   FLX?OK              handshake accepted (both kinds)
//	host -> gateway   FLX:<seq><hexline>  one HEX line, no separator
//	gateway -> host   FLX:<seq>:OK        line seq stored by the target
//
// The Engine exposes one blocking call per exchange. Every call listens for a
// bounded window and never retries on its own; retry policy belongs to the
// caller. The Engine is not goroutine-safe: exactly one caller owns the
// Transport for the lifetime of a transfer.
package protocol
