package main

import (
	"os"

	"github.com/pingcap-incubator/tinypm/nvlog"
	"github.com/pingcap-incubator/tinypm/nvwset"
	"github.com/pingcap-incubator/tinypm/pmem"
	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
)

type blockInfo struct {
	ID    int    `json:"id"`
	State string `json:"state"`
	Count int    `json:"count,omitempty"`
	TS    uint64 `json:"ts,omitempty"`
}

type logInfo struct {
	ID     int    `json:"id"`
	Head   uint64 `json:"head"`
	Tail   uint64 `json:"tail"`
	Groups int    `json:"committed_groups"`
	Error  string `json:"error,omitempty"`
}

type regionInfo struct {
	Size     uint64        `json:"size"`
	Geometry pmem.Geometry `json:"geometry"`
	Arenas   []pmem.Arena  `json:"arenas,omitempty"`
	Heap     pmem.Arena    `json:"heap"`
	Layout   string        `json:"layout"`
	Blocks   []blockInfo   `json:"blocks"`
	Logs     []logInfo     `json:"logs"`
}

func newInspectCommand() *cobra.Command {
	var output string
	m := &cobra.Command{
		Use:   "inspect",
		Short: "Show the layout, write-set blocks and logs of a region without modifying it",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitOnError(runInspect(output))
		},
	}
	m.Flags().StringVarP(&output, "output", "o", "json", "output format: json, yaml or text")
	return m
}

func runInspect(output string) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	r, layout, err := openRegion(conf)
	if err != nil {
		return err
	}
	defer r.Close()
	info, err := inspectRegion(r, layout)
	if err != nil {
		return err
	}
	return printOutput(os.Stdout, output, info)
}

// inspectRegion reads the region as recorded in its header. The configured layout is
// only compared against it.
func inspectRegion(r pmem.Region, conf *pmem.Layout) (*regionInfo, error) {
	g, err := pmem.ReadGeometry(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	layout, err := pmem.NewLayout(g, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	info := &regionInfo{Size: r.Size(), Geometry: g, Layout: "matches config"}
	if err = conf.Check(r); err != nil {
		info.Layout = err.Error()
	} else {
		info.Arenas = conf.Arenas()
		info.Heap = conf.Heap()
	}
	pool, err := nvwset.Open(r, layout)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for i := 0; i < pool.Len(); i++ {
		s := pool.Slot(i)
		bi := blockInfo{ID: i, State: s.Block.State().String()}
		if s.Block.State() == nvwset.Final {
			bi.Count, bi.TS = s.Block.Header()
		}
		info.Blocks = append(info.Blocks, bi)
		info.Logs = append(info.Logs, inspectLog(i, s.Log))
	}
	return info, nil
}

func inspectLog(id int, l *nvlog.Log) logInfo {
	li := logInfo{ID: id, Head: l.Head()}
	tail, err := l.CheckConsistency()
	if err != nil {
		li.Error = err.Error()
		return li
	}
	li.Tail = tail
	groups, err := l.Records()
	if err != nil {
		li.Error = err.Error()
		return li
	}
	li.Groups = len(groups)
	return li
}
