package backend

import (
	_ "github.com/KaiHe-better/PathLLM/ml/backend/cpu"
)
