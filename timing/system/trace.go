package system

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Op is the kind of one trace request.
type Op int

const (
	// OpRead is a data load.
	OpRead Op = iota
	// OpWrite is a data store.
	OpWrite
	// OpFetch is an instruction fetch.
	OpFetch
)

// Request is one memory reference in a trace.
type Request struct {
	Core  int
	Op    Op
	Addr  uint32
	Value uint32 // stores only
}

// ParseTrace reads a request trace. Each line is
//
//	<core> R <addr>
//	<core> W <addr> <value>
//	<core> F <addr>
//
// with addresses and values in 0x-prefixed hex or decimal. Blank lines
// and lines starting with '#' are skipped.
func ParseTrace(r io.Reader) ([]Request, error) {
	var reqs []Request

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: expected '<core> <op> <addr>', got %q", lineNo, line)
		}

		core, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad core id %q", lineNo, fields[0])
		}

		addr, err := parseNum(fields[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad address %q", lineNo, fields[2])
		}

		req := Request{Core: core, Addr: addr}
		switch strings.ToUpper(fields[1]) {
		case "R":
			req.Op = OpRead
		case "F":
			req.Op = OpFetch
		case "W":
			req.Op = OpWrite
			if len(fields) < 4 {
				return nil, fmt.Errorf("line %d: store needs a value", lineNo)
			}
			value, err := parseNum(fields[3])
			if err != nil {
				return nil, fmt.Errorf("line %d: bad value %q", lineNo, fields[3])
			}
			req.Value = value
		default:
			return nil, fmt.Errorf("line %d: unknown op %q", lineNo, fields[1])
		}

		reqs = append(reqs, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}

func parseNum(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// RunResult summarizes a trace run.
type RunResult struct {
	Cycles    uint64
	Completed int
	// LastValue holds the word returned by the final completed load or
	// fetch of each core, useful for smoke checks.
	LastValue map[int]uint32
}

// Runner replays per-core in-order request streams against a system,
// standing in for the pipelines. Each core retries its current request
// every cycle until it hits, then moves to the next.
type Runner struct {
	sys       *System
	streams   map[int][]Request
	maxCycles uint64
}

// NewRunner splits the trace into per-core streams.
func NewRunner(sys *System, reqs []Request, maxCycles uint64) (*Runner, error) {
	streams := make(map[int][]Request)
	for _, req := range reqs {
		if req.Core < 0 || req.Core >= sys.NumCores() {
			return nil, fmt.Errorf("request for core %d but system has %d cores", req.Core, sys.NumCores())
		}
		streams[req.Core] = append(streams[req.Core], req)
	}
	return &Runner{sys: sys, streams: streams, maxCycles: maxCycles}, nil
}

// Run drives the system until every stream drains or the cycle limit is
// reached.
func (r *Runner) Run() (RunResult, error) {
	res := RunResult{LastValue: make(map[int]uint32)}
	pos := make(map[int]int)

	for {
		remaining := 0
		for core, stream := range r.streams {
			if pos[core] < len(stream) {
				remaining++
			}
		}
		if remaining == 0 {
			res.Cycles = r.sys.Now()
			return res, nil
		}
		if r.sys.Now() >= r.maxCycles {
			return res, fmt.Errorf("trace did not drain within %d cycles (%d requests done)",
				r.maxCycles, res.Completed)
		}

		r.sys.Tick()
		for core := 0; core < r.sys.NumCores(); core++ {
			stream := r.streams[core]
			if pos[core] >= len(stream) {
				continue
			}
			req := stream[pos[core]]

			var done bool
			switch req.Op {
			case OpRead:
				var word uint32
				word, done = r.sys.ReadWord(core, req.Addr)
				if done {
					res.LastValue[core] = word
				}
			case OpWrite:
				done = r.sys.WriteWord(core, req.Addr, req.Value)
			case OpFetch:
				var word uint32
				word, done = r.sys.Fetch(core, req.Addr)
				if done {
					res.LastValue[core] = word
				}
			}
			if done {
				pos[core]++
				res.Completed++
			}
		}
		r.sys.Advance()
	}
}
