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

const (
	LIB_NAME    = "corvid"
	LIB_VERSION = "0.1.0"
)
