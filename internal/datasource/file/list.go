package file

import (
	"bufio"
	"context"
	"strings"

	"github.com/TheStrul/Sacks-new-sub007/internal/datasource"
)

// ReadList reads a line-oriented list (input files, URLs) from src. Blank
// lines and lines starting with '#' are skipped; order is preserved.
func ReadList(ctx context.Context, src datasource.Source) ([]string, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var out []string
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
