package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/cis-node/cis/internal/doctor"
)

func runDoctorCommand(ctx context.Context, rt *runtime, args []string) int {
	raw, _ := rawFlag(args)
	d := doctor.Run(ctx, &rt.cfg, Version)

	worst := 0
	for _, r := range d.Results {
		switch r.Status {
		case "FAIL":
			worst = 2
		case "WARN":
			if worst < 1 {
				worst = 1
			}
		}
	}

	code := printResult(raw, d, func() string {
		var b strings.Builder
		fmt.Fprintf(&b, "cis doctor — %s/%s go%s (node %s)\n", d.System.OS, d.System.Arch, d.System.Go, d.System.Version)
		for _, r := range d.Results {
			fmt.Fprintf(&b, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		}
		return strings.TrimRight(b.String(), "\n")
	})
	if code != 0 {
		return code
	}
	if worst == 2 {
		return 1
	}
	return 0
}
