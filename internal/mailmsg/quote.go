package mailmsg

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/quotedprintable"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// quoteBody 把单段 text/plain 或 text/html 正文改写为带转发说明的引用格式。
//
// 其他类型（包括 multipart）保持不变。
func (m *Message) quoteBody(from, virtual string) error {
	contentType := m.Header.Get("Content-Type")
	mediaType := "text/plain"
	params := map[string]string{}
	if contentType != "" {
		var err error
		mediaType, params, err = mime.ParseMediaType(contentType)
		if err != nil {
			return nil
		}
	}
	if mediaType != "text/plain" && mediaType != "text/html" {
		return nil
	}

	text, err := decodeBody(bytes.NewReader(m.Body), m.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return err
	}

	subject := DecodeHeader(m.Header.Get("Subject"))

	var quoted string
	if mediaType == "text/html" {
		quoted = quoteHTML(text, from, virtual, subject)
	} else {
		quoted = quotePlain(text, from, virtual, subject)
	}

	var buf bytes.Buffer
	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(quoted)); err != nil {
		return err
	}
	if err := qp.Close(); err != nil {
		return err
	}

	m.Header.Set("Content-Type", mediaType+"; charset=utf-8")
	m.Header.Set("Content-Transfer-Encoding", "quoted-printable")
	m.Body = buf.Bytes()
	return nil
}

func quotePlain(text, from, virtual, subject string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "---------- Forwarded message via %s ----------\r\n", virtual)
	fmt.Fprintf(&b, "From: %s\r\n", from)
	if subject != "" {
		fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	}
	b.WriteString("\r\n")

	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	return b.String()
}

func quoteHTML(body, from, virtual, subject string) string {
	var b strings.Builder
	b.WriteString("<div>")
	fmt.Fprintf(&b, "<p>---------- Forwarded message via %s ----------<br>", html.EscapeString(virtual))
	fmt.Fprintf(&b, "From: %s<br>", html.EscapeString(from))
	if subject != "" {
		fmt.Fprintf(&b, "Subject: %s<br>", html.EscapeString(subject))
	}
	b.WriteString("</p><blockquote style=\"margin:0 0 0 .8ex;border-left:1px solid #ccc;padding-left:1ex\">")
	b.WriteString(body)
	b.WriteString("</blockquote></div>")
	return b.String()
}

// decodeBody 根据传输编码和字符集把正文解码为 UTF-8 文本。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	transferEncoding = strings.ToLower(strings.TrimSpace(transferEncoding))

	var decoded io.Reader = reader
	switch transferEncoding {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := charsetEncoding(charset); enc != nil {
			converted, _, err := transform.Bytes(enc.NewDecoder(), body)
			if err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// charsetEncoding 根据字符集名称查找解码器，未知字符集返回 nil。
func charsetEncoding(charset string) encoding.Encoding {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil
	}
	return enc
}

// DecodeHeader 解码 RFC 2047 编码的头部取值，失败时原样返回。
func DecodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoder := &mime.WordDecoder{
		CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
			enc := charsetEncoding(strings.ToLower(charset))
			if enc == nil {
				return nil, fmt.Errorf("unsupported charset %q", charset)
			}
			return transform.NewReader(input, enc.NewDecoder()), nil
		},
	}
	decoded, err := decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
