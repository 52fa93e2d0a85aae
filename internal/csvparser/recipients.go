package csvparser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrEmptyHeader   = errors.New("csv header row is empty")
	ErrNoEmailColumn = errors.New("csv must contain an Email column")
	ErrNoRows        = errors.New("csv must contain at least one data row")
)

// RecipientRow represents a single recipient extracted from a CSV.
// Email is taken from the "Email" column (case-insensitive). First and
// last names come from the usual spellings of those columns. Fields holds
// every other column (header -> value) for personalization.
type RecipientRow struct {
	Email     string
	FirstName string
	LastName  string
	Fields    map[string]string
}

// ParseRecipientRows parses a CSV from an io.Reader. The CSV must contain a header row
// with an "Email" column (case-insensitive).
//
// maxRows limits how many data rows are parsed (excluding header). Parsing
// stops with an error once more rows than that are present.
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyHeader
	}
	if err != nil {
		return nil, err
	}

	emailIdx, firstIdx, lastIdx := -1, -1, -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		switch columnKey(h) {
		case "email", "emailaddress":
			if emailIdx == -1 {
				emailIdx = i
			}
		case "firstname", "first":
			firstIdx = i
		case "lastname", "last", "surname":
			lastIdx = i
		}
	}
	if len(headers) == 0 || (len(headers) == 1 && normalized[0] == "") {
		return nil, ErrEmptyHeader
	}
	if emailIdx == -1 {
		return nil, ErrNoEmailColumn
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	rows := make([]RecipientRow, 0)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}
		if len(rows) == maxRows {
			return nil, fmt.Errorf("csv has more than %d recipients", maxRows)
		}

		row := RecipientRow{Email: email, Fields: make(map[string]string, len(headers)-1)}
		for i := range record {
			v := strings.TrimSpace(record[i])
			switch {
			case i == emailIdx:
				continue
			case i == firstIdx:
				row.FirstName = v
			case i == lastIdx:
				row.LastName = v
			case normalized[i] != "":
				row.Fields[normalized[i]] = v
			}
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil, ErrNoRows
	}

	return rows, nil
}

// columnKey folds "First Name", "first_name" and "firstName" together.
func columnKey(h string) string {
	r := strings.NewReplacer(" ", "", "_", "", "-", "")
	return strings.ToLower(r.Replace(h))
}
