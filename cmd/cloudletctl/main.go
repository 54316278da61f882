package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type client struct {
	base    string
	natsURL string
	log     *zap.Logger
	http    *http.Client
}

func main() {
	log, _ := zap.NewDevelopment()
	defer log.Sync()
	if err := newRootCmd(log).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(log *zap.Logger) *cobra.Command {
	c := &client{log: log, http: &http.Client{Timeout: time.Minute}}
	root := &cobra.Command{
		Use:          "cloudletctl",
		Short:        "Drive cloudlet lifecycle operations over the HTTP shim",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.base, "server", "http://localhost:8080", "cloudlet HTTP shim address")
	root.PersistentFlags().StringVar(&c.natsURL, "nats-url", "", "publish CLI events to this NATS server")

	root.AddCommand(
		&cobra.Command{
			Use:   "ping",
			Short: "Check that the server answers",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.do(cmd.OutOrStdout(), http.MethodGet, "/ping", nil)
			},
		},
		c.createCmd(),
		&cobra.Command{
			Use:   "get ID",
			Short: "Show an instance",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.do(cmd.OutOrStdout(), http.MethodGet, "/instances/"+args[0], nil)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List live instances",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.do(cmd.OutOrStdout(), http.MethodGet, "/instances", nil)
			},
		},
		&cobra.Command{
			Use:   "fault ID",
			Short: "Show the last fault recorded for an instance",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.do(cmd.OutOrStdout(), http.MethodGet, "/instances/"+args[0]+"/fault", nil)
			},
		},
		c.baseCmd(),
		c.overlayCmd(),
		c.handoffCmd(),
		&cobra.Command{
			Use:   "terminate ID",
			Short: "Tear an instance down",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.do(cmd.OutOrStdout(), http.MethodPost, "/instances/"+args[0]+"/terminate", nil)
			},
		},
	)
	return root
}

func (c *client) createCmd() *cobra.Command {
	var (
		name, project string
		vcpus, memory int64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]interface{}{"name": name, "project_id": project, "vcpus": vcpus, "memory_mb": memory}
			if err := c.do(cmd.OutOrStdout(), http.MethodPost, "/instances", body); err != nil {
				return err
			}
			c.publish(map[string]interface{}{"event": "cli.create", "name": name, "project_id": project})
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "instance name")
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().Int64Var(&vcpus, "vcpus", 1, "virtual cpus")
	cmd.Flags().Int64Var(&memory, "memory", 1024, "memory in MB")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func (c *client) baseCmd() *cobra.Command {
	var vmName, disk, memory, diskHash, memoryHash string
	var wait bool
	cmd := &cobra.Command{
		Use:   "base ID",
		Short: "Capture a base image and terminate the instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{
				"vm_name": vmName, "disk_meta_id": disk, "memory_meta_id": memory,
				"diskhash_meta_id": diskHash, "memoryhash_meta_id": memoryHash,
			}
			return c.operation(cmd, args[0], "base", body, wait)
		},
	}
	cmd.Flags().StringVar(&vmName, "vm-name", "", "base vm name")
	cmd.Flags().StringVar(&disk, "disk", "", "disk image id")
	cmd.Flags().StringVar(&memory, "memory", "", "memory snapshot id")
	cmd.Flags().StringVar(&diskHash, "disk-hash", "", "disk hash list id")
	cmd.Flags().StringVar(&memoryHash, "memory-hash", "", "memory hash list id")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the operation to finish")
	return cmd
}

func (c *client) overlayCmd() *cobra.Command {
	var name, id string
	var wait bool
	cmd := &cobra.Command{
		Use:   "overlay ID",
		Short: "Capture a VM overlay and terminate the instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"overlay_name": name, "overlay_id": id}
			return c.operation(cmd, args[0], "overlay", body, wait)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "overlay name")
	cmd.Flags().StringVar(&id, "overlay-id", "", "overlay image id")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the operation to finish")
	return cmd
}

func (c *client) handoffCmd() *cobra.Command {
	var kind, dest, residue string
	var wait bool
	cmd := &cobra.Command{
		Use:   "handoff ID",
		Short: "Hand a VM off to another host; the source keeps running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"handoff_type": kind, "dest_vm_name": dest, "residue_image_id": residue}
			return c.operation(cmd, args[0], "handoff", body, wait)
		},
	}
	cmd.Flags().StringVar(&kind, "type", "network", "handoff type (network or file)")
	cmd.Flags().StringVar(&dest, "dest", "", "destination vm name")
	cmd.Flags().StringVar(&residue, "residue-image", "", "store residual state under this image id")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the operation to finish")
	return cmd
}

func (c *client) operation(cmd *cobra.Command, id, op string, body interface{}, wait bool) error {
	path := "/instances/" + id + "/" + op
	if wait {
		path += "?wait=true"
	}
	if err := c.do(cmd.OutOrStdout(), http.MethodPost, path, body); err != nil {
		return err
	}
	c.publish(map[string]interface{}{"event": "cli." + op, "id": id})
	return nil
}

func (c *client) do(out io.Writer, method, path string, body interface{}) error {
	var rd io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(bs)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-"+uuid.NewString())
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "http error")
	}
	defer resp.Body.Close()

	var v interface{}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(out, string(pretty))
	if resp.StatusCode >= 400 {
		return errors.Errorf("server returned %s", resp.Status)
	}
	return nil
}

// publish sends a best-effort CLI event when a NATS server is configured.
func (c *client) publish(ev map[string]interface{}) {
	if c.natsURL == "" {
		return
	}
	nc, err := nats.Connect(c.natsURL)
	if err != nil {
		c.log.Warn("nats connect failed", zap.Error(err))
		return
	}
	defer nc.Drain()
	b, _ := json.Marshal(ev)
	if err := nc.Publish("cli.events", b); err != nil {
		c.log.Warn("nats publish failed", zap.Error(err))
	}
}
