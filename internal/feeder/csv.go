package feeder

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

func readCSV(path string) ([]Credential, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open CSV file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read CSV: %w", err)
	}
	if len(rows) < 2 {
		return nil, fmt.Errorf("CSV file must have a header row and at least one data row")
	}

	userCol, passCol := -1, -1
	for i, name := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "username":
			userCol = i
		case "password":
			passCol = i
		}
	}
	if userCol < 0 || passCol < 0 {
		return nil, fmt.Errorf("CSV header must name username and password columns, got %v", rows[0])
	}

	creds := make([]Credential, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if len(row) != len(rows[0]) {
			return nil, fmt.Errorf("row %d has %d fields, expected %d", i+2, len(row), len(rows[0]))
		}
		creds = append(creds, Credential{Username: strings.TrimSpace(row[userCol]), Password: row[passCol]})
	}
	return creds, nil
}
