package builders

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// One flash partition described by the device tree.
type partition struct {
	Index  int   // Partition index from the node name.
	Offset int64 // Flash offset in bytes.
	Size   int64 // Partition size in bytes.
}

var (
	partitionNodeRe  = regexp.MustCompile(`partition@([0-9]+)\s*\{`)
	partitionLabelRe = regexp.MustCompile(`label\s*=\s*"([^"]+)"`)
	partitionRegRe   = regexp.MustCompile(`reg\s*=\s*<\s*([0-9a-fx]+)\s+([0-9a-fx]+)\s*>`)
)

// Extracts the flash partition scheme from device tree source text.
//
// Only partition@N nodes carrying a label and a <offset size> reg cell
// pair are collected; everything else in the tree is skipped. Nodes are
// keyed by label.
func parseDTSPartitions(r io.Reader) (map[string]partition, error) {
	parts := make(map[string]partition)
	index := -1
	label := ""

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if m := partitionNodeRe.FindStringSubmatch(line); m != nil {
			index, _ = strconv.Atoi(m[1])
		}
		if strings.Contains(line, "};") {
			index = -1
			label = ""
		}
		if index < 0 {
			continue
		}
		if m := partitionLabelRe.FindStringSubmatch(line); m != nil {
			label = m[1]
		}
		if m := partitionRegRe.FindStringSubmatch(line); m != nil && label != "" {
			offset, err := strconv.ParseInt(m[1], 0, 64)
			if err != nil {
				continue
			}
			size, err := strconv.ParseInt(m[2], 0, 64)
			if err != nil {
				continue
			}
			parts[label] = partition{Index: index, Offset: offset, Size: size}
		}
	}
	return parts, scanner.Err()
}
