package cli

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/nexus/internal/config"
	"github.com/me/nexus/internal/server"
	"github.com/me/nexus/pkg/model"
)

const blacklistPath = "/api/v1/gpus/blacklist"

func newBlacklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blacklist",
		Short: "List GPUs that never receive new jobs",
		Long: "List, add or remove blacklisted GPUs. Jobs already running on a GPU\n" +
			"keep running when it is blacklisted. The list is stored under\n" +
			"gpu.blacklist in the config file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/status")
			if isUnreachable(err) {
				printBlacklist(cmd.OutOrStdout(), cfg.GPU.Blacklist, nil)
				return nil
			}
			if err != nil {
				return err
			}
			var st server.StatusResponse
			if err := resp.decode(&st); err != nil {
				return err
			}
			printBlacklist(cmd.OutOrStdout(), st.Blacklist, st.Devices)
			return nil
		},
	}
	cmd.AddCommand(newBlacklistChangeCmd(true), newBlacklistChangeCmd(false))
	return cmd
}

func newBlacklistChangeCmd(add bool) *cobra.Command {
	use, short := "add <index[,index...]>...", "Stop assigning jobs to GPUs"
	if !add {
		use, short = "remove <index[,index...]>...", "Allow jobs on blacklisted GPUs again"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			indices, err := parseIndices(args)
			if err != nil {
				return err
			}

			req := model.GPUActionRequest{GPUs: indices}
			var apiResp *apiResponse
			if add {
				apiResp, err = client.Post(blacklistPath, req)
			} else {
				apiResp, err = client.DeleteJSON(blacklistPath, req)
			}
			if isUnreachable(err) {
				logger.Debug("service unreachable, editing config file", "path", cfg.File)
				resp, err := offlineBlacklist(indices, add)
				if err != nil {
					return err
				}
				printGPUAction(cmd.OutOrStdout(), resp)
				return nil
			}
			if err != nil {
				return err
			}
			var resp model.GPUActionResponse
			if err := apiResp.decode(&resp); err != nil {
				return err
			}
			printGPUAction(cmd.OutOrStdout(), &resp)
			return nil
		},
	}
}

// parseIndices accepts "0,2" "3" style arguments.
func parseIndices(args []string) ([]int, error) {
	var out []int
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			idx, err := strconv.Atoi(part)
			if err != nil {
				return nil, model.NewValidationError(fmt.Sprintf("invalid GPU index %q", part))
			}
			out = append(out, idx)
		}
	}
	if len(out) == 0 {
		return nil, model.NewValidationError("no GPU indices provided")
	}
	return out, nil
}

// offlineBlacklist applies the change straight to the config file. A daemon
// started later reads it from there.
func offlineBlacklist(indices []int, add bool) (*model.GPUActionResponse, error) {
	current := make(map[int]bool, len(cfg.GPU.Blacklist))
	for _, idx := range cfg.GPU.Blacklist {
		current[idx] = true
	}
	resp, changed, err := model.PlanBlacklist(current, indices, add)
	if err != nil || len(changed) == 0 {
		return resp, err
	}

	var next []int
	for _, idx := range cfg.GPU.Blacklist {
		if add || !slices.Contains(changed, idx) {
			next = append(next, idx)
		}
	}
	if add {
		next = append(next, changed...)
	}
	if err := config.SaveBlacklist(cfg.File, next); err != nil {
		return nil, err
	}
	return resp, nil
}

func printGPUAction(w io.Writer, resp *model.GPUActionResponse) {
	for _, idx := range resp.Blacklisted {
		fmt.Fprintf(w, "Blacklisted GPU %d\n", idx)
	}
	for _, idx := range resp.Removed {
		fmt.Fprintf(w, "Removed GPU %d from blacklist\n", idx)
	}
	for _, f := range resp.Failed {
		fmt.Fprintf(w, "GPU %d: %s\n", f.Index, f.Error)
	}
}

func printBlacklist(w io.Writer, list []int, devices []server.DeviceStatus) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No GPUs are blacklisted")
		return
	}
	fmt.Fprintln(w, "Blacklisted GPUs:")
	for _, idx := range list {
		name := ""
		for _, d := range devices {
			if d.Index == idx {
				name = " (" + d.Name + ")"
			}
		}
		fmt.Fprintf(w, "  GPU %d%s\n", idx, name)
	}
}
