package models

import (
	_ "github.com/KaiHe-better/PathLLM/model/models/gigapath"
)
