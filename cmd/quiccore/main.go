// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main is the entry point of the standalone quiccore command.
//
// There is no need to modify this file to customize a build: add the
// modules you want plugged in to the blank imports below and build.
package main

import (
	quiccmd "github.com/klzgrad/naiveproxy-sub075/cmd"

	// plug in the engine and its config adapter
	_ "github.com/klzgrad/naiveproxy-sub075/caddyconfig/quicconfig"
	_ "github.com/klzgrad/naiveproxy-sub075/modules/quicengine"
)

func main() {
	quiccmd.Main()
}
