package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	gocache "github.com/patrickmn/go-cache"

	"whs/internal/log"
)

type ghPRView struct {
	State            string `json:"state"`
	Mergeable        string `json:"mergeable"`
	MergeStateStatus string `json:"mergeStateStatus"`
}

// ghPRState queries the VCS host for a PR's merge/conflict/check-run
// state, degrading to "unknown" on any failure rather than propagating
// the error, the same tolerant-shell-out posture
// internal/git/executor_impl.go's diff helpers use. cache may be nil, in
// which case every call shells out.
func ghPRState(ctx context.Context, cache *gocache.Cache, binary string, prNumber int) string {
	key := fmt.Sprintf("%s/%d", binary, prNumber)
	if cache != nil {
		if cached, ok := cache.Get(key); ok {
			return cached.(string)
		}
	}

	if binary == "" {
		binary = "gh"
	}
	ctx, cancel := context.WithTimeout(ctx, ghTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "pr", "view", strconv.Itoa(prNumber),
		"--json", "state,mergeable,mergeStateStatus")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	state := "unknown"
	if err := cmd.Run(); err != nil {
		log.Warn(log.CatDoctor, "gh pr view failed", "pr", prNumber, "error", err.Error(), "stderr", stderr.String())
	} else {
		var view ghPRView
		if err := json.Unmarshal(stdout.Bytes(), &view); err == nil {
			switch {
			case view.State == "MERGED" || view.State == "CLOSED":
				state = view.State
			case view.MergeStateStatus != "":
				state = view.MergeStateStatus
			case view.Mergeable != "":
				state = view.Mergeable
			}
		}
	}

	if cache != nil {
		cache.SetDefault(key, state)
	}
	return state
}
