package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for file extensions other than .json, .csv and .txt.
	ErrUnsupportedFormat = errors.New("unsupported file format, use .json, .csv or .txt")
	// ErrMalformed is returned when a file cannot be parsed in its declared format.
	ErrMalformed = errors.New("malformed batch file")
)

const (
	defaultSender    = "Simulator"
	defaultSubject   = "No Subject"
	textImportSender = "Text Import"
)

var (
	jsonBodyKeys  = []string{"body", "content", "text"}
	csvBodyKeys   = []string{"body", "content", "text", "message", "description", "email_body"}
	csvSenderKeys = []string{"sender", "from", "sender_name", "sender_email"}
)

// ParseBulk 根据文件扩展名解析批量上传文件，跳过正文为空的记录
func ParseBulk(filename string, r io.Reader) ([]Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	text := strings.TrimPrefix(string(data), "\ufeff")

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return parseJSON(text)
	case ".csv":
		return parseCSV(text)
	case ".txt":
		return parseText(text), nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

func parseJSON(text string) ([]Message, error) {
	var raw any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformed, err)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: JSON must be a list of objects", ErrMalformed)
	}

	msgs := make([]Message, 0, len(list))
	for i, el := range list {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: element %d is not an object", ErrMalformed, i)
		}

		var body string
		for _, k := range jsonBodyKeys {
			if body = strings.TrimSpace(stringField(obj, k)); body != "" {
				break
			}
		}
		if body == "" {
			continue
		}

		msgs = append(msgs, Message{
			ExternalID: stringField(obj, "external_id"),
			Sender:     orDefault(stringField(obj, "sender"), defaultSender),
			Subject:    orDefault(stringField(obj, "subject"), defaultSubject),
			Body:       body,
		})
	}
	return msgs, nil
}

func parseCSV(text string) ([]Message, error) {
	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: invalid CSV: %v", ErrMalformed, err)
	}

	// 列名大小写不敏感
	index := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}
	bodyCol := firstColumn(index, csvBodyKeys)
	senderCol := firstColumn(index, csvSenderKeys)
	subjectCol := firstColumn(index, []string{"subject"})
	idCol := firstColumn(index, []string{"external_id"})

	var msgs []Message
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: invalid CSV: %v", ErrMalformed, err)
		}

		body := strings.TrimSpace(cell(record, bodyCol))
		if body == "" {
			continue
		}
		msgs = append(msgs, Message{
			ExternalID: cell(record, idCol),
			Sender:     orDefault(cell(record, senderCol), defaultSender),
			Subject:    orDefault(cell(record, subjectCol), defaultSubject),
			Body:       body,
		})
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return msgs, nil
}

func parseText(text string) []Message {
	msgs := []Message{}
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		msgs = append(msgs, Message{
			Sender:  textImportSender,
			Subject: fmt.Sprintf("Text Import Batch #%d", i+1),
			Body:    line,
		})
	}
	return msgs
}

func stringField(obj map[string]any, key string) string {
	v, ok := obj[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func firstColumn(index map[string]int, keys []string) int {
	for _, k := range keys {
		if i, ok := index[k]; ok {
			return i
		}
	}
	return -1
}

func cell(record []string, col int) string {
	if col < 0 || col >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[col])
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
