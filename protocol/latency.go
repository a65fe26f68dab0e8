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

package protocol

// regionLatency is the static inter-region RTT estimate in milliseconds,
// symmetric, used by geographic load balancing and path diversity scoring.
// Rows and columns follow Region declaration order.
var regionLatency = [regionCount][regionCount]float64{
	{20, 80, 150, 160, 120, 180},  // north-america
	{80, 15, 120, 250, 200, 90},   // europe
	{150, 120, 30, 110, 280, 160}, // asia
	{160, 250, 110, 25, 200, 250}, // oceania
	{120, 200, 280, 200, 30, 220}, // south-america
	{180, 90, 160, 250, 220, 40},  // africa
}

// RegionLatency returns the estimated RTT in milliseconds between two
// regions. Unknown regions get a pessimistic default.
func RegionLatency(a, b Region) float64 {
	if !a.Valid() || !b.Valid() {
		return 300
	}
	return regionLatency[a][b]
}
