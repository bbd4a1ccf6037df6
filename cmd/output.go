package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	fmt.Println(string(b))
	return nil
}

func parseID(kind, s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("bad %s id: [%s]", kind, s)
	}
	return id, nil
}
