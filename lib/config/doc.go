// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the credential proxy's YAML configuration.
//
// Configuration comes from a single file named by the --config flag or
// the CREDPROXY_CONFIG environment variable ([Resolve]). There is no
// discovery and no per-field environment override.
//
// The file may carry development, staging and production sections that
// override base values when [Config].Environment matches. Production
// requires an explicit scope: a production proxy never serves every
// stored credential by default.
//
// After loading, ${HOME}, ${XDG_RUNTIME_DIR} and ${VAR:-default}
// patterns are expanded in path fields.
package config
