/************************************************************************************
 *
 * corvid, a small Discord REST + Gateway client core
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 corvid contributors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package corvid

import "github.com/bytedance/sonic"

// Codec is the pluggable (de)serializer RESTClient and GatewaySession use for bodies and
// payloads. Narrowing goda's direct sonic usage behind this interface lets a caller swap
// in encoding/json or any other implementation without touching either client.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// sonicCodec is the default Codec, backed by sonic.ConfigDefault, the same
// github.com/bytedance/sonic configuration goda itself uses for domain payloads.
type sonicCodec struct{}

var defaultCodec Codec = sonicCodec{}

func (sonicCodec) Marshal(v any) ([]byte, error) {
	return sonic.ConfigDefault.Marshal(v)
}

func (sonicCodec) Unmarshal(data []byte, v any) error {
	return sonic.ConfigDefault.Unmarshal(data, v)
}
