package stream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultWindowSize = 1 << 20
	MaxWindowSize     = 10 << 20
)

var ErrRangeNotSatisfiable = errors.New("requested range not satisfiable")

// RangeError is an unsatisfiable range against an asset of Size bytes. It
// matches ErrRangeNotSatisfiable.
type RangeError struct {
	Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range not satisfiable for %d bytes", e.Size)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrRangeNotSatisfiable
}

// ByteRange is an inclusive byte interval of an asset. Partial is false
// when the whole file is being sent without a range.
type ByteRange struct {
	Start   int64
	End     int64
	Partial bool
}

// Length is the number of bytes in the range.
func (r ByteRange) Length() int64 { return r.End - r.Start + 1 }

// Full returns the range covering a whole file of the given size.
func Full(size int64) ByteRange {
	return ByteRange{Start: 0, End: size - 1}
}

// ParseRange resolves a Range header against a file size. Only a single
// "bytes=start-end" range is honoured; an empty start means 0 and an empty
// end means the last byte. Headers that are absent, use another unit, list
// several ranges or cannot be parsed fall back to the whole file.
func ParseRange(header string, size int64) (ByteRange, error) {
	full := Full(size)

	header = strings.TrimSpace(header)
	if header == "" {
		return full, nil
	}
	rangeSpec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(rangeSpec, ",") {
		return full, nil
	}
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(rangeSpec), "-")
	if !ok {
		return full, nil
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	var start, end int64 = 0, size - 1
	if startStr != "" {
		n, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil || n < 0 {
			return full, nil
		}
		start = n
	}
	if endStr != "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return full, nil
		}
		end = min(n, size-1)
	}

	if start >= size || end < start {
		return ByteRange{}, ErrRangeNotSatisfiable
	}
	return ByteRange{Start: start, End: end, Partial: true}, nil
}

// Window returns the index-th fixed-size window of a file. A non-positive
// size means DefaultWindowSize; sizes above MaxWindowSize are capped.
func Window(index int64, size int64, fileSize int64) (ByteRange, error) {
	if size <= 0 {
		size = DefaultWindowSize
	}
	size = min(size, MaxWindowSize)
	if index < 0 {
		return ByteRange{}, ErrRangeNotSatisfiable
	}

	start := index * size
	if start >= fileSize || start/size != index {
		return ByteRange{}, ErrRangeNotSatisfiable
	}
	end := min(start+size, fileSize) - 1
	return ByteRange{Start: start, End: end, Partial: true}, nil
}
