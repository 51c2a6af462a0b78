// Package mimecodec wraps github.com/emersion/go-message to provide
// the RFC 5322 parsing, envelope/bodystructure generation, and section
// extraction the fetch engine (spec component H) needs, independent of
// which mailstore backend produced the raw bytes.
package mimecodec

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // register non-UTF-8 charset decoders
)

// Message is a parsed RFC 5322 message, materialized once per FETCH
// and cached by the caller for the remainder of the command.
type Message struct {
	entity *message.Entity
	raw    []byte
}

// Parse reads the full message body and parses its MIME structure.
func Parse(r io.Reader) (*Message, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("mimecodec: read message: %w", err)
	}
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		// go-message returns a non-nil Entity alongside certain
		// recoverable errors (e.g. an unrecognized charset); fall back
		// to it so FETCH can still serve headers and raw bytes.
		if ent == nil {
			return nil, fmt.Errorf("mimecodec: parse message: %w", err)
		}
	}
	return &Message{entity: ent, raw: raw}, nil
}

// Size returns the full RFC 5322 octet count (RFC822.SIZE).
func (m *Message) Size() int64 { return int64(len(m.raw)) }

// Full returns the complete RFC 5322 message (RFC822).
func (m *Message) Full() []byte { return m.raw }

// HeaderText returns the raw header block, including the trailing
// blank line, for FETCH RFC822.HEADER / BODY[HEADER].
func (m *Message) HeaderText() []byte {
	idx := bytes.Index(m.raw, []byte("\r\n\r\n"))
	if idx < 0 {
		idx = bytes.Index(m.raw, []byte("\n\n"))
		if idx < 0 {
			return m.raw
		}
		return m.raw[:idx+2]
	}
	return m.raw[:idx+4]
}

// BodyText returns everything after the header block, for
// RFC822.TEXT / BODY[TEXT].
func (m *Message) BodyText() []byte {
	h := m.HeaderText()
	return m.raw[len(h):]
}

// HeaderFields returns the raw (unfolded, as-received) values of the
// requested header field names, used for BODY[HEADER.FIELDS (...)].
func (m *Message) HeaderFields(names []string) string {
	var out strings.Builder
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(n)] = true
	}
	fields := m.entity.Header.Fields()
	for fields.Next() {
		if want[strings.ToLower(fields.Key())] {
			out.WriteString(fields.Key())
			out.WriteString(": ")
			out.WriteString(fields.Value())
			out.WriteString("\r\n")
		}
	}
	out.WriteString("\r\n")
	return out.String()
}

// Envelope is the IMAP ENVELOPE structure (RFC 3501 §7.4.2).
type Envelope struct {
	Date      string
	Subject   string
	From      []Address
	Sender    []Address
	ReplyTo   []Address
	To        []Address
	CC        []Address
	BCC       []Address
	InReplyTo string
	MessageID string
}

type Address struct {
	Name    string
	Mailbox string
	Host    string
}

func parseAddressList(raw string) []Address {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]Address, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, addr := splitNameAddr(p)
		mbox, host := splitAddr(addr)
		out = append(out, Address{Name: name, Mailbox: mbox, Host: host})
	}
	return out
}

func splitNameAddr(s string) (name, addr string) {
	if i := strings.LastIndex(s, "<"); i >= 0 && strings.HasSuffix(s, ">") {
		name = strings.Trim(strings.TrimSpace(s[:i]), `"`)
		addr = s[i+1 : len(s)-1]
		return name, addr
	}
	return "", s
}

func splitAddr(addr string) (mbox, host string) {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[:i], addr[i+1:]
	}
	return addr, ""
}

// Envelope builds the ENVELOPE structure from the parsed header.
func (m *Message) Envelope() Envelope {
	h := m.entity.Header
	decode := func(s string) string {
		dec := new(mime.WordDecoder)
		if out, err := dec.DecodeHeader(s); err == nil {
			return out
		}
		return s
	}
	get := func(key string) string { return decode(h.Get(key)) }
	env := Envelope{
		Date:      h.Get("Date"),
		Subject:   get("Subject"),
		From:      parseAddressList(get("From")),
		ReplyTo:   parseAddressList(get("Reply-To")),
		To:        parseAddressList(get("To")),
		CC:        parseAddressList(get("Cc")),
		BCC:       parseAddressList(get("Bcc")),
		InReplyTo: h.Get("In-Reply-To"),
		MessageID: h.Get("Message-Id"),
	}
	env.Sender = env.From
	if s := get("Sender"); s != "" {
		env.Sender = parseAddressList(s)
	}
	return env
}

// BodyStructure is a recursive description of the message's MIME
// parts, enough to answer FETCH BODYSTRUCTURE and resolve part-path
// section specifiers like "1.2".
type BodyStructure struct {
	MIMEType    string
	MIMESubtype string
	Params      map[string]string
	Disposition string
	Filename    string
	Size        int64
	Lines       int
	Parts       []BodyStructure // non-empty for multipart/*
}

// Structure walks the parsed entity and returns its BodyStructure.
func (m *Message) Structure() BodyStructure {
	return buildStructure(m.entity)
}

func buildStructure(e *message.Entity) BodyStructure {
	mediaType, params, _ := e.Header.ContentType()
	mimeType, mimeSubtype, _ := strings.Cut(mediaType, "/")

	bs := BodyStructure{MIMEType: strings.ToUpper(mimeType), MIMESubtype: strings.ToUpper(mimeSubtype), Params: params}
	if disp, dparams, err := e.Header.ContentDisposition(); err == nil {
		bs.Disposition = disp
		if fn, ok := dparams["filename"]; ok {
			bs.Filename = fn
		}
	}

	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			bs.Parts = append(bs.Parts, buildStructure(part))
		}
		return bs
	}

	raw, _ := io.ReadAll(e.Body)
	bs.Size = int64(len(raw))
	bs.Lines = bytes.Count(raw, []byte("\n")) + 1
	return bs
}

// Part extracts the body of the MIME part addressed by path (e.g.
// "1.2"), or the whole message if path is empty, for BODY[1.2] /
// BODY[1.2.TEXT] style section fetches. For a non-empty path only the
// part's body is returned, without its MIME header; callers translate
// section syntax before calling this.
func (m *Message) Part(path string) ([]byte, error) {
	if path == "" {
		return m.raw, nil
	}
	indices := strings.Split(path, ".")
	entity := m.entity
	for _, idxStr := range indices {
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 1 {
			return nil, fmt.Errorf("mimecodec: invalid part path %q", path)
		}
		mr := entity.MultipartReader()
		if mr == nil {
			return nil, fmt.Errorf("mimecodec: part path %q descends into a non-multipart entity", path)
		}
		var found *message.Entity
		for n := 1; ; n++ {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			if n == idx {
				found = part
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("mimecodec: no part at index %d in path %q", idx, path)
		}
		entity = found
	}
	return io.ReadAll(entity.Body)
}
