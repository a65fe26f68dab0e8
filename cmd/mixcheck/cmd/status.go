/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/facebook/mixnet/stats"
)

var statusPrefixFlag string

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusPrefixFlag, "prefix", "p", "", "only show counters with this prefix")
}

// health gauges that deserve color when they look wrong
var alarmCounters = map[string]func(int64) bool{
	"drain":               func(v int64) bool { return v != 0 },
	"panics":              func(v int64) bool { return v != 0 },
	"crypto.failures":     func(v int64) bool { return v > 0 },
	"protocol.violations": func(v int64) bool { return v > 0 },
}

func printStatus(counters map[string]int64, prefix string) {
	keys := make([]string, 0, len(counters))
	for k := range counters {
		if prefix != "" && !strings.HasPrefix(k, prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	red := color.New(color.FgRed).SprintFunc()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetColWidth(40)
	table.SetHeader([]string{"counter", "value"})
	for _, k := range keys {
		v := counters[k]
		val := fmt.Sprintf("%d", v)
		if alarm, ok := alarmCounters[k]; ok && alarm(v) {
			val = red(val)
		}
		table.Append([]string{k, val})
	}
	table.Render()
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the counters of a running mixnode",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		counters, err := stats.FetchCounters(rootServerFlag)
		if err != nil {
			log.Fatalf("Failed to reach mixnode at %s: %v", rootServerFlag, err)
		}
		printStatus(counters, statusPrefixFlag)
	},
}
