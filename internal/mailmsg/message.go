// Package mailmsg 提供转发所需的邮件解析与头部改写。
package mailmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/textproto"
)

var (
	// ErrEmptyMessage 表示邮件没有任何头部字段。
	ErrEmptyMessage = errors.New("message has no header fields")
)

// Message 解析后的邮件：头部保持原始顺序，正文不做解码。
type Message struct {
	Header textproto.Header
	Body   []byte
}

// Parse 读取完整邮件并拆分头部和正文。
func Parse(r io.Reader) (*Message, error) {
	br := bufio.NewReader(r)

	header, err := textproto.ReadHeader(br)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if header.Len() == 0 {
		return nil, ErrEmptyMessage
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Message{Header: header, Body: body}, nil
}

// Values 返回某个头部字段的全部取值，按出现顺序排列。
func (m *Message) Values(key string) []string {
	var values []string
	fields := m.Header.FieldsByKey(key)
	for fields.Next() {
		values = append(values, fields.Value())
	}
	return values
}

// Has 判断头部字段是否存在。
func (m *Message) Has(key string) bool {
	return m.Header.Has(key)
}

// Get 返回头部字段的第一个取值并去掉首尾空白。
func (m *Message) Get(key string) string {
	return strings.TrimSpace(m.Header.Get(key))
}

// WriteTo 按 RFC 5322 格式输出邮件。
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, m.Header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	buf.Write(m.Body)
	return buf.WriteTo(w)
}

// Bytes 返回序列化后的邮件内容。
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
