package backend

import (
	_ "github.com/weightspace/w2w/ml/backend/cpu"
)
