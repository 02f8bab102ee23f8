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

package backend

// Schema Versions
const (
	SchemaVersionV1 = 1
)

const (
	CurrentSchemaVersion   = SchemaVersionV1
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.1.0"
)

// Action Types
const (
	ActionMatchSetup   = "MATCH_SETUP"
	ActionNavigate     = "NAVIGATE"
	ActionBall         = "BALL"
	ActionUndoBall     = "UNDO_BALL"
	ActionResetInnings = "RESET_INNINGS"
	ActionReset        = "RESET"
	ActionPermissions  = "PERMISSIONS_UPDATE"
)

// Pages
const (
	PageSetup     = "setup"
	PageScoring   = "scoring"
	PageDashboard = "dashboard"
)

// Match Status
const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// maxBatchSize caps the number of actions accepted in one request.
const maxBatchSize = 100
