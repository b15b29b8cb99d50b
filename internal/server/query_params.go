package server

import (
	"errors"
	"strconv"
	"strings"
)

const dateOnlyLayout = "2006-01-02"

func parseID(value string) (int64, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid_id")
	}
	return parsed, nil
}
