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

// FetchGatewayBot retrieves the recommended shard count, session start limit, and the
// Gateway WSS URL a GatewaySession should dial, per GET /gateway/bot. Kept from goda's
// restApi.FetchGatewayBot as the one domain-entity REST call this core still owns: every
// other entity endpoint (users, guilds, channels, messages, ...) belongs to a bot
// framework built on top of corvid, not to the REST/Gateway core itself.
func (c *RESTClient) FetchGatewayBot() (*GatewayBot, error) {
	resp, err := c.Execute(&Request{Method: "GET", Path: "/gateway/bot"})
	if err != nil {
		return nil, err
	}

	var bot GatewayBot
	if err := c.codec.Unmarshal(resp.Body, &bot); err != nil {
		return nil, wrapErr(ErrorKindParse, err, "decoding /gateway/bot response")
	}
	return &bot, nil
}
