// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/AleutianAI/AleutianBridge/services/bridge/datatypes"
	"github.com/gin-gonic/gin"
)

// ListModels serves GET /v1/models with the configured model list in
// the OpenAI list schema.
func ListModels(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, datatypes.NewModelList(d.Models))
	}
}
