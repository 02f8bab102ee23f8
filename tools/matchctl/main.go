// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command matchctl inspects the match and team files of a data directory.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ttbt-io/cricketscorer/backend"
	"github.com/ttbt-io/cricketscorer/config"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "matchctl",
	Short: "Inspect stored cricket matches",
	Long: `matchctl reads the data directory of a cricketscorer node and prints
matches, teams and scorecards. Set CS_MASTER_KEY when the data is encrypted.

Stop the server first: matchctl reads the files directly.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "data", "Directory for match and team data")
	rootCmd.AddCommand(listCmd, teamsCmd, scorecardCmd, verifyCmd)
}

// openStores opens the stores of the data directory.
func openStores() (*backend.MatchStore, *backend.TeamStore, error) {
	s, _, err := backend.OpenStorage(dataDir, os.Getenv(config.MasterKeyEnv))
	if err != nil {
		return nil, nil, err
	}
	return backend.NewMatchStore(dataDir, s, nil), backend.NewTeamStore(dataDir, s, nil), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
